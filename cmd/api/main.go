package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/guestcart"
	"github.com/mobishop/api/internal/handlers"
	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/config"
	"github.com/mobishop/api/internal/platform/events"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/platform/idempotency"
	"github.com/mobishop/api/internal/platform/observability"
	ppostgres "github.com/mobishop/api/internal/platform/postgres"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/platform/secrets"
	"github.com/mobishop/api/internal/repositories"
	firestoreRepo "github.com/mobishop/api/internal/repositories/firestore"
	postgresRepo "github.com/mobishop/api/internal/repositories/postgres"
	"github.com/mobishop/api/internal/services"
)

type cartBackend struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	keys     idempotency.Store
	checks   []repositories.DependencyCheck
	close    func()
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	backend, err := openCartBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise cart backend", zap.String("backend", cfg.Cart.Backend), zap.Error(err))
	}
	defer backend.close()

	var publisher services.CartEventPublisher
	checks := append([]repositories.DependencyCheck(nil), backend.checks...)
	if topicID := strings.TrimSpace(cfg.PubSub.CartTopic); topicID != "" && cfg.PubSub.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicID)
		cartPublisher, err := events.NewPubSubCartPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise cart event publisher", zap.Error(err))
		}
		defer cartPublisher.Stop()
		publisher = cartPublisher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topicID)
				}
				return nil
			},
		})
	} else {
		logger.Warn("cart events disabled; no pubsub topic configured")
	}
	checks = append(checks, secretManagerCheck(fetcher))

	systemService, err := newSystemService(checks, logger)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Repository: backend.carts,
		Products:   backend.products,
		Events:     publisher,
		MatchMode:  domain.MergeMatchMode(cfg.Cart.MergeMatch),
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Guard(
		backend.keys,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runIdempotencyCleanup(cleanupCtx, backend.keys, cfg.Idempotency, logger.Named("idempotency"))
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	cartHandlers := handlers.NewCartHandlers(authenticator, cartService,
		handlers.WithCartMaxBodyBytes(cfg.Cart.MaxBodyBytes),
		handlers.WithCartRateLimit(cfg.RateLimits.DefaultPerMinute, time.Now),
		handlers.WithMergeRateLimit(cfg.RateLimits.MergePerMinute, time.Now),
		handlers.WithMergeMiddlewares(idempotencyMiddleware),
	)

	middlewares := observability.HTTPMiddlewares(logger.Named("http"), traceProjectID(cfg))

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
	}
	codec, err := newGuestCartCodec(cfg.GuestCart)
	switch {
	case err != nil:
		logger.Fatal("failed to initialise guest cart cookie", zap.Error(err))
	case codec != nil:
		opts = append(opts, handlers.WithGuestCartRoutes(handlers.NewGuestCartHandlers(codec, cfg.Cart.MaxBodyBytes).Routes))
	default:
		logger.Info("guest cart cookie not configured; /guest-cart disabled")
	}

	router := handlers.NewRouter(opts...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("cart_backend", cfg.Cart.Backend))
	go func() {
		serverLogger.Info("mobishop api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openCartBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (cartBackend, error) {
	switch cfg.Cart.Backend {
	case config.CartBackendPostgres:
		db, err := ppostgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return cartBackend{}, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warn("postgres close error", zap.Error(err))
			}
		}
		if err := postgresRepo.EnsureSchema(ctx, db); err != nil {
			closeDB()
			return cartBackend{}, err
		}
		keys := idempotency.NewPostgresStore(db)
		if err := keys.EnsureSchema(ctx); err != nil {
			closeDB()
			return cartBackend{}, err
		}
		carts, err := postgresRepo.NewCartRepository(db)
		if err != nil {
			closeDB()
			return cartBackend{}, err
		}
		products, err := postgresRepo.NewProductRepository(db)
		if err != nil {
			closeDB()
			return cartBackend{}, err
		}
		return cartBackend{
			carts:    carts,
			products: products,
			keys:     keys,
			checks:   []repositories.DependencyCheck{postgresCheck(db)},
			close:    closeDB,
		}, nil

	case config.CartBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			return cartBackend{}, err
		}
		closeProvider := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}
		carts, err := firestoreRepo.NewCartRepository(provider)
		if err != nil {
			closeProvider()
			return cartBackend{}, err
		}
		products, err := firestoreRepo.NewProductRepository(provider)
		if err != nil {
			closeProvider()
			return cartBackend{}, err
		}
		return cartBackend{
			carts:    carts,
			products: products,
			keys:     idempotency.NewFirestoreStore(provider, cfg.Idempotency.Collection),
			checks:   []repositories.DependencyCheck{firestoreCheck(client)},
			close:    closeProvider,
		}, nil
	}
	return cartBackend{}, fmt.Errorf("unknown cart backend %q", cfg.Cart.Backend)
}

func runIdempotencyCleanup(ctx context.Context, store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Sweep(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency sweep removed keys", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func firestoreCheck(client *firestore.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			iter := client.Collections(ctx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}
}

func postgresCheck(db *sql.DB) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "postgres",
		Timeout: 1500 * time.Millisecond,
		Check:   db.PingContext,
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system-healthz"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if errors.Is(err, secrets.ErrNotFound) {
				return nil
			}
			return err
		},
	}
}

func newSystemService(checks []repositories.DependencyCheck, logger *zap.Logger) (services.SystemService, error) {
	prober, err := repositories.NewDependencyProber(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Probes: prober,
		Clock:  time.Now,
		Logger: observability.EventLogger(logger.Named("system")),
	})
}

// newGuestCartCodec returns nil when no hash key is configured. Keys are base64 encoded.
func newGuestCartCodec(cfg config.GuestCartConfig) (*guestcart.CookieCodec, error) {
	if strings.TrimSpace(cfg.CookieHashKey) == "" {
		return nil, nil
	}
	hashKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.CookieHashKey))
	if err != nil {
		return nil, fmt.Errorf("guest cart hash key: %w", err)
	}
	var blockKey []byte
	if raw := strings.TrimSpace(cfg.CookieBlockKey); raw != "" {
		blockKey, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("guest cart block key: %w", err)
		}
	}
	return guestcart.NewCookieCodec(guestcart.CookieConfig{
		HashKey:  hashKey,
		BlockKey: blockKey,
		Secure:   cfg.CookieSecure,
		MaxAge:   cfg.CookieMaxAge,
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve to a non-empty value for the
// selected backend.
func requiredSecretNames(env map[string]string) []string {
	if strings.EqualFold(strings.TrimSpace(env["API_CART_BACKEND"]), config.CartBackendPostgres) {
		return []string{"Postgres.DSN"}
	}
	return nil
}
