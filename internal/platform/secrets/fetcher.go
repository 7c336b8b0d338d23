// Package secrets resolves secret:// configuration references against Secret Manager, with a
// local file as the fallback for development and outages.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/mobishop/api/internal/platform/secrets"

// ErrNotFound is returned when neither Secret Manager nor the local file has the secret.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references, caching values for a TTL. Concurrent lookups of the same
// reference share one Secret Manager call.
type Fetcher struct {
	client     accessor
	ownsClient bool
	project    string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger

	localPath string
	localOnce sync.Once
	local     localFile
	localErr  error

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached

	resolves metric.Int64Counter
	latency  metric.Float64Histogram
}

type cached struct {
	value   string
	expires time.Time
}

type settings struct {
	client     accessor
	clientOpts []option.ClientOption
	project    string
	localPath  string
	ttl        time.Duration
	logger     *zap.Logger
	meter      metric.Meter
	now        func() time.Time
}

type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithProject is the project used for references without ?project=.
func WithProject(project string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(project) }
}

// WithFallbackFile sets the local KEY=VALUE file. Empty disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.localPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a value is reused; zero caches for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

func WithSecretManagerClient(client accessor) Option {
	return func(s *settings) { s.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher builds a Fetcher. When no Secret Manager client can be created the fetcher
// serves the local file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{localPath: ".secrets.local", ttl: 10 * time.Minute, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	resolves, err := s.meter.Int64Counter("secrets.resolve.count",
		metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: resolve counter: %w", err)
	}
	latency, err := s.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"), metric.WithDescription("Secret resolution latency"))
	if err != nil {
		return nil, fmt.Errorf("secrets: latency histogram: %w", err)
	}

	f := &Fetcher{
		client:    s.client,
		project:   s.project,
		ttl:       s.ttl,
		now:       s.now,
		logger:    s.logger,
		localPath: s.localPath,
		cache:     map[string]cached{},
		resolves:  resolves,
		latency:   latency,
	}
	if f.client == nil {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secret manager unavailable, using local secrets only", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.ownsClient {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret lets the fetcher act as the config loader's resolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	start := time.Now()
	if value, ok := f.cached(ref); ok {
		f.record(ctx, start, ref, "cache")
		return value, nil
	}

	result, err, _ := f.group.Do(ref.key(), func() (any, error) {
		value, source, err := f.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		f.store(ref, value)
		return resolved{value, source}, nil
	})
	if err != nil {
		f.record(ctx, start, ref, "error")
		return "", err
	}
	r := result.(resolved)
	f.record(ctx, start, ref, r.source)
	return r.value, nil
}

type resolved struct {
	value  string
	source string
}

func (f *Fetcher) load(ctx context.Context, ref Reference) (string, string, error) {
	project := ref.Project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: ref.resource(project)})
		switch {
		case err == nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		case !useLocalAfter(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", ref, err)
		}
		f.logger.Debug("secret manager failed, trying local secrets", zap.String("secret", ref.masked()), zap.Error(err))
	}

	local, err := f.localValues()
	if err != nil {
		return "", "", err
	}
	if value, ok := local.lookup(ref); ok {
		return value, "local", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// useLocalAfter reports Secret Manager failures that mean "not reachable from here" rather
// than "no such secret".
func useLocalAfter(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (f *Fetcher) localValues() (localFile, error) {
	f.localOnce.Do(func() {
		f.local, f.localErr = readLocalFile(f.localPath)
	})
	return f.local, f.localErr
}

func (f *Fetcher) cached(ref Reference) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[ref.key()]
	if !ok || (!entry.expires.IsZero() && !f.now().Before(entry.expires)) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(ref Reference, value string) {
	entry := cached{value: value}
	if f.ttl > 0 {
		entry.expires = f.now().Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[ref.key()] = entry
	f.mu.Unlock()
}

// Invalidate forgets every cached version of the referenced secret.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.String() + "#"
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) record(ctx context.Context, start time.Time, ref Reference, source string) {
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.String("secret", ref.masked()))
	f.resolves.Add(ctx, 1, attrs)
	f.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
}
