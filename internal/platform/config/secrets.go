package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SecretResolver resolves secret://NAME references, typically against Secret Manager.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ErrNoSecretResolver is returned for a secret reference when Load has no resolver.
var ErrNoSecretResolver = errors.New("config: no secret resolver configured")

// SecretError reports a reference that could not be resolved.
type SecretError struct {
	Field string
	Ref   string
	Err   error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s (%s): %v", e.Field, e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved empty.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets " + strings.Join(e.RedactedNames(), ", ")
}

// Names returns the field names, sorted.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

// RedactedNames returns short hashes of the field names, safe for logs that leave the
// project.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	return out
}

// secretFields maps a config field name to the value that may hold a reference.
type secretFields map[string]*string

func (s secretFields) resolve(ctx context.Context, resolver SecretResolver) error {
	for field, value := range s {
		ref, ok := secretRef(*value)
		if !ok {
			continue
		}
		if resolver == nil {
			return &SecretError{Field: field, Ref: ref, Err: ErrNoSecretResolver}
		}
		resolved, err := resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Field: field, Ref: ref, Err: err}
		}
		*value = strings.TrimSpace(resolved)
	}
	return nil
}

func (s secretFields) require(names []string) error {
	seen := make(map[string]bool, len(names))
	var missing []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if value, known := s[name]; !known || strings.TrimSpace(*value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}

// secretRef normalises secret:// and the older sm:// scheme.
func secretRef(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if name, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + name, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
