// Package config loads the cart API configuration from the environment. Values are read
// from an optional .env file, then the process environment, then explicit overrides, each
// layer winning over the previous one. Fields holding credentials may reference Secret
// Manager with secret://NAME.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// CartBackendFirestore stores carts in Firestore.
	CartBackendFirestore = "firestore"
	// CartBackendPostgres stores carts in Postgres.
	CartBackendPostgres = "postgres"
)

// Config is the resolved runtime configuration.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	PubSub      PubSubConfig
	Cart        CartConfig
	GuestCart   GuestCartConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int
	ConnMaxLifetime time.Duration
}

// PubSubConfig names the topic receiving cart events. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string
	CartTopic string
}

type CartConfig struct {
	Backend string
	// MergeMatch selects how guest lines find their server counterpart: "product" or
	// "variation".
	MergeMatch   string
	MaxBodyBytes int64
}

// GuestCartConfig configures the signed guest cart cookie. Keys are base64 encoded; without
// a hash key the guest cart endpoints are disabled.
type GuestCartConfig struct {
	CookieHashKey  string
	CookieBlockKey string
	CookieSecure   bool
	CookieMaxAge   time.Duration
}

// RateLimitConfig holds per-user request budgets. Zero disables a limit.
type RateLimitConfig struct {
	DefaultPerMinute int
	MergePerMinute   int
}

type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
	// Collection is the Firestore collection used by the firestore backend.
	Collection       string
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists the settings that are missing or could not be parsed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing " + strings.Join(e.fields, ", ")
}

// Fields returns the offending setting names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Load reads the environment, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	src, err := o.source()
	if err != nil {
		return Config{}, err
	}
	env := &reader{lookup: src.lookup}

	cfg := Config{
		Environment: strings.ToLower(env.str("API_ENVIRONMENT", "local")),
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", "8080"),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", 2*time.Minute),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             env.str("API_POSTGRES_DSN", ""),
			MaxConns:        env.integer("API_POSTGRES_MAX_CONNS", 20),
			ConnMaxLifetime: env.duration("API_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		PubSub: PubSubConfig{
			ProjectID: env.str("API_PUBSUB_PROJECT_ID", ""),
			CartTopic: env.str("API_PUBSUB_CART_TOPIC", "cart-events"),
		},
		Cart: CartConfig{
			Backend:      strings.ToLower(env.str("API_CART_BACKEND", CartBackendFirestore)),
			MergeMatch:   strings.ToLower(env.str("API_CART_MERGE_MATCH", "product")),
			MaxBodyBytes: int64(env.integer("API_CART_MAX_BODY_BYTES", 64<<10)),
		},
		GuestCart: GuestCartConfig{
			CookieHashKey:  env.str("API_GUESTCART_COOKIE_HASH_KEY", ""),
			CookieBlockKey: env.str("API_GUESTCART_COOKIE_BLOCK_KEY", ""),
			CookieSecure:   env.boolean("API_GUESTCART_COOKIE_SECURE", true),
			CookieMaxAge:   env.duration("API_GUESTCART_COOKIE_MAX_AGE", 30*24*time.Hour),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute: env.integer("API_RATELIMIT_DEFAULT_PER_MIN", 120),
			MergePerMinute:   env.integer("API_RATELIMIT_MERGE_PER_MIN", 10),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", "Idempotency-Key"),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", 24*time.Hour),
			Collection:       env.str("API_IDEMPOTENCY_COLLECTION", "cartIdempotencyKeys"),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", 200),
		},
	}
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	secrets := secretFields{
		"Postgres.DSN":             &cfg.Postgres.DSN,
		"GuestCart.CookieHashKey":  &cfg.GuestCart.CookieHashKey,
		"GuestCart.CookieBlockKey": &cfg.GuestCart.CookieBlockKey,
	}
	if err := secrets.resolve(ctx, o.resolver); err != nil {
		return Config{}, err
	}

	invalid := append(env.invalid, validate(cfg)...)
	if len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}
	if err := secrets.require(o.requiredSecrets); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) []string {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	switch cfg.Cart.Backend {
	case CartBackendFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case CartBackendPostgres:
		check(strings.TrimSpace(cfg.Postgres.DSN) != "", "Postgres.DSN")
		check(cfg.Postgres.MaxConns > 0, "Postgres.MaxConns")
	default:
		bad = append(bad, "Cart.Backend")
	}
	check(cfg.Cart.MergeMatch == "product" || cfg.Cart.MergeMatch == "variation", "Cart.MergeMatch")
	check(cfg.Cart.MaxBodyBytes > 0, "Cart.MaxBodyBytes")
	check(cfg.RateLimits.DefaultPerMinute >= 0, "RateLimits.DefaultPerMinute")
	check(cfg.RateLimits.MergePerMinute >= 0, "RateLimits.MergePerMinute")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	return bad
}

// String summarises the non-secret settings for startup logs.
func (c Config) String() string {
	return fmt.Sprintf("env=%s backend=%s match=%s port=%s topic=%q guestCart=%t",
		c.Environment, c.Cart.Backend, c.Cart.MergeMatch, c.Server.Port, c.PubSub.CartTopic, c.GuestCart.CookieHashKey != "")
}
