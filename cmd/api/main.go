package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/rewards-hub/api/internal/di"
	"github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/handlers"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/cache"
	"github.com/rewards-hub/api/internal/platform/config"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/platform/idempotency"
	"github.com/rewards-hub/api/internal/platform/jobs"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/platform/requestctx"
	"github.com/rewards-hub/api/internal/platform/secrets"
	platformstorage "github.com/rewards-hub/api/internal/platform/storage"
	"github.com/rewards-hub/api/internal/repositories"
	firestoreRepo "github.com/rewards-hub/api/internal/repositories/firestore"
	"github.com/rewards-hub/api/internal/repositories/memory"
	"github.com/rewards-hub/api/internal/repositories/postgres"
	"github.com/rewards-hub/api/internal/services"
)

const idempotencyCollection = "idempotencyKeys"

// Webhook callers act as these actors once their HMAC signature checks out.
var (
	productIngestionActor = domain.Actor{EmployeeID: 0, Name: "product-ingestion", Role: domain.RoleAdmin}
	rewardIngestionActor  = domain.Actor{EmployeeID: 0, Name: "reward-ingestion", Role: domain.RoleHR}
)

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

	metrics := observability.NewMetrics(nil, logger.Named("metrics"))

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     buildVersion(),
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	}

	reg, firestoreProvider, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var redisClient *redis.Client
	var balanceCache services.BalanceCache
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = cache.Dial(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		balanceCache = cache.NewRedisBalanceCache(redisClient, cache.WithTTL(cfg.Redis.TTL))
	}

	notifications, closeNotifications, err := newNotificationDispatcher(ctx, cfg, logger.Named("notifications"))
	if err != nil {
		logger.Fatal("failed to initialise notifications", zap.Error(err))
	}
	defer closeNotifications()

	container, err := di.NewContainer(ctx, cfg, reg,
		di.WithLogger(logger.Named("services")),
		di.WithMetrics(metrics),
		di.WithBalanceCache(balanceCache),
		di.WithNotifications(notifications),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repositories close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyMiddleware, err := buildIdempotencyMiddleware(ctx, cfg, redisClient, firestoreProvider, logger.Named("idempotency"))
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	var imageSigner handlers.ImageUploadSigner
	var couponExporter handlers.CouponExporter
	if bucket := strings.TrimSpace(cfg.Storage.Bucket); bucket != "" {
		urls, exporter, closeStorage, err := newStorage(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("failed to initialise storage", zap.Error(err))
		}
		defer closeStorage()
		imageSigner = urls
		couponExporter = exporter
	} else {
		logger.Info("storage bucket not configured; image uploads and coupon exports disabled")
	}

	authLogger := logger.Named("auth")
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithMetrics(metrics))
	oidcMiddleware := buildOIDCMiddleware(authLogger, cfg, metrics)
	hmacValidator := buildHMACValidator(authLogger, cfg, metrics)

	meHandlers := handlers.NewMeHandlers(authenticator, svc.Ledger, svc.Redemptions)
	productHandlers := handlers.NewProductHandlers(authenticator, svc.Catalog)
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Carts)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Carts, svc.Orders, svc.Ledger, idempotencyMiddleware)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders)
	rewardHandlers := handlers.NewRewardHandlers(authenticator, svc.Redemptions, idempotencyMiddleware)

	var adminOpts []handlers.AdminOption
	if imageSigner != nil {
		adminOpts = append(adminOpts, handlers.WithProductImageSigner(imageSigner))
	}
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.Catalog, svc.Orders, adminOpts...)

	hrOpts := []handlers.HROption{handlers.WithHRIdempotency(idempotencyMiddleware)}
	if couponExporter != nil {
		hrOpts = append(hrOpts, handlers.WithCouponExporter(couponExporter))
	}
	hrHandlers := handlers.NewHRHandlers(authenticator, svc.Redemptions, svc.Expiration, hrOpts...)

	internalHandlers := handlers.NewInternalHandlers(svc.Expiration, svc.Reconciliation)

	var ingestionOpts []handlers.IngestionOption
	if hmacValidator != nil {
		ingestionOpts = append(ingestionOpts,
			handlers.WithProductIngestionAuth(hmacValidator.RequireHMAC("products", productIngestionActor)),
			handlers.WithRewardIngestionAuth(hmacValidator.RequireHMAC("rewards", rewardIngestionActor)),
		)
	}
	ingestionHandlers := handlers.NewIngestionHandlers(svc.Catalog, svc.Redemptions, ingestionOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithMeRoutes(meHandlers.Routes))
	opts = append(opts, handlers.WithProductRoutes(productHandlers.Routes))
	opts = append(opts, handlers.WithCartRoutes(cartHandlers.Routes))
	opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithRewardRoutes(rewardHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	opts = append(opts, handlers.WithHRRoutes(hrHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(ingestionHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(requestctx.WithLogger(context.Background(), logger.Named("sweeps")))
	var sweepWG sync.WaitGroup
	runPeriodically(sweepCtx, &sweepWG, cfg.Sweeps.ExpirationInterval, func(ctx context.Context) {
		ran, result, err := svc.Expiration.RunDue(ctx)
		if err != nil {
			logger.Error("expiration sweep failed", zap.Error(err))
			return
		}
		if ran {
			logger.Info("expiration sweep completed", zap.Int("scanned", result.Scanned), zap.Int("expired", result.Expired))
		}
	})
	runPeriodically(sweepCtx, &sweepWG, cfg.Sweeps.ReconcileInterval, func(ctx context.Context) {
		report, err := svc.Reconciliation.Reconcile(ctx)
		if err != nil {
			logger.Error("reconciliation failed", zap.Error(err))
			return
		}
		if report.Failures > 0 {
			logger.Warn("reconciliation left failures", zap.Int("failures", report.Failures))
		}
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("rewards api listening",
			zap.String("store", cfg.Store.Driver),
			zap.String("ledger", cfg.Store.LedgerDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openRegistry selects the repository backends. The Firestore provider is returned so the
// idempotency store can share its client; it is nil for the memory driver.
func openRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.Registry, *pfirestore.Provider, error) {
	var pool *pgxpool.Pool
	var ledger repositories.LedgerRepository
	var counters repositories.CounterRepository
	if cfg.Store.LedgerDriver == config.DriverPostgres {
		var err error
		pool, err = postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pgLedger, err := postgres.NewLedgerRepository(pool, logger.Named("ledger"))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		pgCounters, err := postgres.NewCounterRepository(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		ledger, counters = pgLedger, pgCounters
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		reg := memory.NewRegistry()
		if pool == nil {
			logger.Warn("using in-memory repositories; data is lost on restart")
			return reg, nil, nil
		}
		health, err := repositories.NewCheckedHealthRepository([]repositories.DependencyCheck{
			{Name: "memory", Check: func(context.Context) error { return nil }},
			postgres.HealthCheck(pool),
		}, nil)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		overlay, err := di.OverlayLedger(reg, ledger, counters, health, pool.Close)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return overlay, nil, nil
	case config.DriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		var regOpts []firestoreRepo.RegistryOption
		if pool != nil {
			regOpts = append(regOpts,
				firestoreRepo.WithLedger(ledger),
				firestoreRepo.WithCounters(counters),
				firestoreRepo.WithHealthChecks(postgres.HealthCheck(pool)),
			)
		}
		reg, err := firestoreRepo.NewRegistry(provider, regOpts...)
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, nil, err
		}
		if pool == nil {
			return reg, provider, nil
		}
		overlay, err := di.OverlayLedger(reg, ledger, counters, nil, pool.Close)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return overlay, provider, nil
	default:
		if pool != nil {
			pool.Close()
		}
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func buildIdempotencyMiddleware(ctx context.Context, cfg config.Config, redisClient *redis.Client, provider *pfirestore.Provider, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	var store idempotency.Store
	switch {
	case redisClient != nil:
		store = idempotency.NewRedisStore(redisClient)
	case provider != nil:
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, err
		}
		store = idempotency.NewFirestoreStore(client, idempotencyCollection)
	default:
		store = idempotency.NewMemoryStore()
	}
	return idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger),
	), nil
}

func newNotificationDispatcher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.NotificationDispatcher, func(), error) {
	topicName := strings.TrimSpace(cfg.PubSub.Topic)
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if topicName == "" || projectID == "" {
		logger.Info("pubsub not configured; notifications are logged only")
		return jobs.LogDispatcher{Logger: logger}, func() {}, nil
	}
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" && os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	dispatcher, err := jobs.NewPubSubNotificationDispatcher(client.Topic(topicName), logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return dispatcher, func() {
		dispatcher.Close()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}, nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (*platformstorage.URLSigner, *platformstorage.CouponExporter, func(), error) {
	keyFile := strings.TrimSpace(cfg.SignerKeyFile)
	if keyFile == "" {
		return nil, nil, nil, errors.New("storage signer key file is required when a bucket is configured")
	}
	signer, err := platformstorage.LoadKeySigner(keyFile)
	if err != nil {
		return nil, nil, nil, err
	}
	urls, err := platformstorage.NewURLSigner(cfg.Bucket, signer)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := cloudstorage.NewClient(ctx, option.WithCredentialsFile(keyFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage client: %w", err)
	}
	exporter, err := platformstorage.NewCouponExporter(client, urls)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	return urls, exporter, func() { _ = client.Close() }, nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildHMACValidator(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) *auth.HMACValidator {
	secrets := make(auth.StaticSecrets, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if len(secrets) == 0 {
		logger.Warn("auth: HMAC secrets not configured; ingestion webhooks will reject requests")
	}
	return auth.NewHMACValidator(secrets,
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACMetrics(metrics),
	)
}

// runPeriodically calls fn every interval until ctx is cancelled. A non-positive interval
// disables the loop.
func runPeriodically(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, interval)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func buildVersion() string {
	if version := config.EnvironmentValue("API_BUILD_VERSION"); version != "" {
		return version
	}
	return "dev"
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := config.EnvironmentValue("API_SECRET_PROJECT_ID")
	if project == "" {
		project = config.EnvironmentValue("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := config.EnvironmentValue("API_SECRET_FALLBACK_FILE")
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
	if credentialsFile := config.EnvironmentValue("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
