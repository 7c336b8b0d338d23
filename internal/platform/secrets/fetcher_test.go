package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const dsnResource = "projects/shop/secrets/cart_db_dsn/versions/latest"

type fakeAccessor struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
	gate   chan struct{}
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeAccessor) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if err := f.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "no such secret")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (f *fakeAccessor) Close() error { return nil }

func (f *fakeAccessor) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write local secrets: %v", err)
	}
	return path
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	f, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		raw     string
		want    Reference
		wantErr bool
	}{
		{raw: "secret://cart_db_dsn", want: Reference{Name: "cart_db_dsn", Version: "latest"}},
		{raw: " sm://cart_db_dsn?version=5&project=other ", want: Reference{Name: "cart_db_dsn", Version: "5", Project: "other"}},
		{raw: "secret://", wantErr: true},
		{raw: "https://cart_db_dsn", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseReference(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseReference(%q) error = %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseReference(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestResolveCachesUntilTTLOrInvalidate(t *testing.T) {
	client := newFakeAccessor()
	client.values[dsnResource] = "postgres://remote"
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newTestFetcher(t, WithSecretManagerClient(client), WithProject("shop"), WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }))

	resolve := func() {
		t.Helper()
		got, err := f.Resolve(context.Background(), "secret://cart_db_dsn")
		if err != nil || got != "postgres://remote" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}

	resolve()
	resolve()
	if n := client.count(dsnResource); n != 1 {
		t.Fatalf("calls after cached read = %d", n)
	}
	f.Invalidate("sm://cart_db_dsn")
	resolve()
	if n := client.count(dsnResource); n != 2 {
		t.Fatalf("calls after invalidate = %d", n)
	}
	now = now.Add(61 * time.Second)
	resolve()
	if n := client.count(dsnResource); n != 3 {
		t.Fatalf("calls after expiry = %d", n)
	}
}

func TestResolveSharesConcurrentLookups(t *testing.T) {
	client := newFakeAccessor()
	client.values[dsnResource] = "postgres://remote"
	client.gate = make(chan struct{})
	f := newTestFetcher(t, WithSecretManagerClient(client), WithProject("shop"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Resolve(context.Background(), "secret://cart_db_dsn"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(client.gate)
	wg.Wait()

	if n := client.count(dsnResource); n > 2 {
		t.Fatalf("expected shared lookups, got %d remote calls", n)
	}
}

func TestResolveUsesLocalFileWhenUnreachable(t *testing.T) {
	client := newFakeAccessor()
	client.errs[dsnResource] = status.Error(codes.PermissionDenied, "denied")
	path := writeLocal(t, "# dev values\nsecret://cart_db_dsn=postgres://local?sslmode=disable\n")
	f := newTestFetcher(t, WithSecretManagerClient(client), WithProject("shop"), WithFallbackFile(path))

	got, err := f.Resolve(context.Background(), "secret://cart_db_dsn")
	if err != nil || got != "postgres://local?sslmode=disable" {
		t.Fatalf("Resolve latest = %q, %v", got, err)
	}
	client.errs["projects/shop/secrets/cart_db_dsn/versions/5"] = status.Error(codes.Unavailable, "down")
	got, err = f.Resolve(context.Background(), "secret://cart_db_dsn?version=5")
	if err != nil || got != "postgres://local?sslmode=disable" {
		t.Fatalf("Resolve v5 = %q, %v", got, err)
	}
}

func TestResolveNotFoundSkipsLocalFile(t *testing.T) {
	path := writeLocal(t, "secret://cart_db_dsn=postgres://local\n")
	f := newTestFetcher(t, WithSecretManagerClient(newFakeAccessor()), WithProject("shop"), WithFallbackFile(path))

	_, err := f.Resolve(context.Background(), "secret://cart_db_dsn")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveHonoursProjectAndVersion(t *testing.T) {
	client := newFakeAccessor()
	client.values["projects/other/secrets/cart_db_dsn/versions/5"] = "version-5"
	f := newTestFetcher(t, WithSecretManagerClient(client), WithProject("shop"))

	got, err := f.ResolveSecret(context.Background(), "sm://cart_db_dsn?version=5&project=other")
	if err != nil || got != "version-5" {
		t.Fatalf("ResolveSecret = %q, %v", got, err)
	}
}

func TestNewFetcherWithoutClientServesLocalFile(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	f := newTestFetcher(t, WithFallbackFile(writeLocal(t, "secret://cookie_hash=local-hash\n")))
	got, err := f.Resolve(context.Background(), "secret://cookie_hash")
	if err != nil || got != "local-hash" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := f.Resolve(context.Background(), "secret://absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
