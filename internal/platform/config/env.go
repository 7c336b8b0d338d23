package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	overrides       map[string]string
	systemEnv       bool
	resolver        SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: ".env", systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile reads path instead of ./.env. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap layers values over the file and process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.overrides = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.systemEnv = false }
}

// WithSecretResolver resolves secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets fails Load when any of the named fields (for example "Postgres.DSN")
// resolves empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

type source struct {
	file      map[string]string
	systemEnv bool
	overrides map[string]string
}

func (o loaderOptions) source() (source, error) {
	file, err := readDotEnv(o.envFile)
	if err != nil {
		return source{}, err
	}
	return source{file: file, systemEnv: o.systemEnv, overrides: o.overrides}, nil
}

func (s source) lookup(key string) (string, bool) {
	if v, ok := s.overrides[key]; ok {
		return v, true
	}
	if s.systemEnv {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := s.file[key]
	return v, ok
}

// EnvironmentValues returns the merged environment Load would see. main uses it to build
// the secret fetcher before configuration is loaded.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newLoaderOptions(opts).source()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(src.file))
	for k, v := range src.file {
		values[k] = v
	}
	if src.systemEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				values[k] = v
			}
		}
	}
	for k, v := range src.overrides {
		values[k] = v
	}
	return values, nil
}

// readDotEnv parses KEY=VALUE lines. Blank lines, comments and an "export " prefix are
// accepted; a missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

// reader converts raw values and remembers the keys that failed to parse.
type reader struct {
	lookup  func(string) (string, bool)
	invalid []string
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return def
	}
	return b
}
