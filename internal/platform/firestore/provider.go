// Package firestore owns the Firestore client shared by the cart repositories and the
// idempotency store.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mobishop/api/internal/platform/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultTxAttempts     = 5
	envEmulatorHost       = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID    = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider creates the Firestore client on first use. A failed connection attempt is retried
// by the next caller.
type Provider struct {
	cfg            config.FirestoreConfig
	connectTimeout time.Duration
	txAttempts     int
	clientOpts     []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises the Provider.
type ProviderOption func(*Provider)

// WithConnectTimeout bounds client creation.
func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithTxAttempts sets how often a contended cart transaction is retried.
func WithTxAttempts(attempts int) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
	}
}

// WithClientOptions appends options passed to firestore.NewClient.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// NewProvider constructs a Provider for cfg. No connection is made until Client is called.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		cfg:            cfg,
		connectTimeout: defaultConnectTimeout,
		txAttempts:     defaultTxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, connecting on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) connect(ctx context.Context) (*firestore.Client, error) {
	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if host := p.emulatorHost(); host != "" {
		// The client library reads the variable too; keep both paths pointing at the emulator.
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, host)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	client, err := firestore.NewClient(connectCtx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

func (p *Provider) emulatorHost() string {
	if host := strings.TrimSpace(p.cfg.EmulatorHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}

// RunTransaction runs fn in a read-write transaction. Contention aborts are retried up to the
// configured attempts; the final error is wrapped with repository semantics.
func (p *Provider) RunTransaction(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	err = client.RunTransaction(ctx, fn, firestore.MaxAttempts(p.txAttempts))
	return WrapError("transaction", err)
}

// Close releases the client. The provider cannot be used afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.closed = true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
