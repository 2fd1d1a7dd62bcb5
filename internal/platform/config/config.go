package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultEnvironment         = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultRedisTTL            = 30 * time.Second
	defaultCompensationTimeout = 10 * time.Second
	defaultGracePeriod         = 5 * time.Minute
	defaultSweepBatch          = 200
	defaultSweepConcurrency    = 8
	defaultExpirationInterval  = time.Minute
	defaultReconcileInterval   = 5 * time.Minute
	defaultNotificationTopic   = "rewards-notifications"
	defaultBcryptCost          = 10
	defaultMaxImageBytes       = 5 << 20
)

// Store drivers accepted by Store.Driver and Store.LedgerDriver.
const (
	DriverFirestore = "firestore"
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Ledger      LedgerConfig
	Sweeps      SweepConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	Driver       string
	LedgerDriver string
}

// PostgresConfig configures the optional SQL ledger store.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// RedisConfig configures the optional balance cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// PubSubConfig configures notification delivery. An empty Topic disables publishing.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	EmulatorHost string
}

// StorageConfig configures the private bucket for product images and coupon exports.
// An empty Bucket disables both features.
type StorageConfig struct {
	Bucket        string
	SignerKeyFile string
	MaxImageBytes int64
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for scheduler calls.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures ingestion webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	ClockSkew       time.Duration
}

// IdempotencyConfig controls the idempotency middleware on mutating routes.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// LedgerConfig tunes the points ledger and redemption guard.
type LedgerConfig struct {
	CompensationTimeout time.Duration
	BcryptCost          int
}

// SweepConfig tunes the expiration and reconciliation background loops.
type SweepConfig struct {
	ExpirationInterval time.Duration
	ReconcileInterval  time.Duration
	GracePeriod        time.Duration
	BatchSize          int
	Concurrency        int
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

type lookupFunc func(string) (string, bool)

func newLookup(options loaderOptions) (lookupFunc, error) {
	var dotEnv map[string]string
	if options.envFile != "" {
		values, err := godotenv.Read(options.envFile)
		switch {
		case err == nil:
			dotEnv = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", options.envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// EnvironmentValue returns a single value using the same precedence as Load
// (.env < process environment < explicit map).
func EnvironmentValue(key string, opts ...Option) string {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := newLookup(options)
	if err != nil {
		return ""
	}
	value, _ := lookup(key)
	return strings.TrimSpace(value)
}

// Load assembles the configuration from defaults, .env overrides, environment variables and
// Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", DriverFirestore)),
			LedgerDriver: strings.ToLower(stringWithDefault(lookup, "API_LEDGER_DRIVER", "")),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns: int32(intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
			TTL:      durationWithDefault(lookup, "API_REDIS_BALANCE_TTL", defaultRedisTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			Topic:        stringWithDefault(lookup, "API_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
			EmulatorHost: stringWithDefault(lookup, "API_PUBSUB_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			Bucket:        stringWithDefault(lookup, "API_STORAGE_BUCKET", ""),
			SignerKeyFile: stringWithDefault(lookup, "API_STORAGE_SIGNER_KEY_FILE", ""),
			MaxImageBytes: int64(intWithDefault(lookup, "API_STORAGE_MAX_IMAGE_BYTES", defaultMaxImageBytes)),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Ledger: LedgerConfig{
			CompensationTimeout: durationWithDefault(lookup, "API_LEDGER_COMPENSATION_TIMEOUT", defaultCompensationTimeout),
			BcryptCost:          intWithDefault(lookup, "API_LEDGER_BCRYPT_COST", defaultBcryptCost),
		},
		Sweeps: SweepConfig{
			ExpirationInterval: durationWithDefault(lookup, "API_SWEEP_EXPIRATION_INTERVAL", defaultExpirationInterval),
			ReconcileInterval:  durationWithDefault(lookup, "API_SWEEP_RECONCILE_INTERVAL", defaultReconcileInterval),
			GracePeriod:        durationWithDefault(lookup, "API_SWEEP_GRACE_PERIOD", defaultGracePeriod),
			BatchSize:          intWithDefault(lookup, "API_SWEEP_BATCH_SIZE", defaultSweepBatch),
			Concurrency:        intWithDefault(lookup, "API_SWEEP_CONCURRENCY", defaultSweepConcurrency),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Store.LedgerDriver == "" {
		cfg.Store.LedgerDriver = cfg.Store.Driver
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	for key, value := range cfg.Security.HMAC.Secrets {
		resolved, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = resolved
	}
	for _, field := range []*string{&cfg.Postgres.DSN, &cfg.Redis.Password} {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if !slices.Contains([]string{DriverFirestore, DriverMemory}, cfg.Store.Driver) {
		missing = append(missing, "Store.Driver")
	}
	if !slices.Contains([]string{DriverFirestore, DriverMemory, DriverPostgres}, cfg.Store.LedgerDriver) {
		missing = append(missing, "Store.LedgerDriver")
	}
	if cfg.Store.Driver == DriverMemory && cfg.Store.LedgerDriver == DriverFirestore {
		missing = append(missing, "Store.LedgerDriver")
	}
	if cfg.Store.Driver != DriverMemory {
		if cfg.Firebase.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	}
	if cfg.Store.LedgerDriver == DriverPostgres && cfg.Postgres.DSN == "" {
		missing = append(missing, "Postgres.DSN")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Ledger.BcryptCost < 4 || cfg.Ledger.BcryptCost > 31 {
		missing = append(missing, "Ledger.BcryptCost")
	}
	if cfg.Sweeps.GracePeriod <= 0 {
		missing = append(missing, "Sweeps.GracePeriod")
	}
	if cfg.Storage.Bucket != "" && cfg.Storage.SignerKeyFile == "" {
		missing = append(missing, "Storage.SignerKeyFile")
	}
	if cfg.Sweeps.BatchSize <= 0 {
		missing = append(missing, "Sweeps.BatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup lookupFunc, key string) []string {
	raw, _ := lookup(key)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mapWithDefault parses "name=value,name2=value2" pairs; names are lowercased.
func mapWithDefault(lookup lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, _ := lookup(key)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
