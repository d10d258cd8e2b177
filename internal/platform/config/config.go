package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRefundWindowDays     = 7
	defaultTaxRate              = 0.18
	defaultPartialRefundRatio   = 0.5
	defaultMaxPaymentAmount     = 1_000_000
	defaultIdempotencyBackend   = BackendMemory
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultStorageBackend       = BackendMemory
	defaultRedisAddr            = "localhost:6379"
	defaultKafkaTopic           = "order_events"
	defaultPublishTimeout       = 5 * time.Second
	defaultLogLevel             = "info"
	defaultServiceName          = "orderengine"
	defaultEnvironment          = "local"
	defaultAuditRetention       = 10_000
)

// Backend names accepted by Storage.Backend and Idempotency.Backend.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Orders      OrdersConfig
	Idempotency IdempotencyConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Firestore   FirestoreConfig
	Events      EventsConfig
	Telemetry   TelemetryConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OrdersConfig carries the business rule policy.
type OrdersConfig struct {
	RefundWindowDays   int
	TaxRate            float64
	PartialRefundRatio float64
	MaxPaymentAmount   float64
	// ActiveOrderLimit degrades readiness once this many orders are in flight. Zero disables the check.
	ActiveOrderLimit   int
}

// RefundWindow converts RefundWindowDays into a duration.
func (c OrdersConfig) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
}

// IdempotencyConfig controls the request guard and its sweeper.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// StorageConfig selects the order and audit log repositories.
type StorageConfig struct {
	Backend        string
	PostgresDSN    string
	MigrateOnStart bool
	AuditBackend   string
	AuditRetention int
}

// RedisConfig stores connection parameters for the redis idempotency backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// EventsConfig enables the broker publishers. Empty topics or brokers leave a publisher disabled.
type EventsConfig struct {
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
	PublishTimeout  time.Duration
}

// PubSubEnabled reports whether events should be published to Pub/Sub.
func (c EventsConfig) PubSubEnabled() bool {
	return c.PubSubProjectID != "" && c.PubSubTopic != ""
}

// KafkaEnabled reports whether events should be published to Kafka.
func (c EventsConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

// TelemetryConfig controls logging, metrics and trace naming.
type TelemetryConfig struct {
	LogLevel       string
	MetricsEnabled bool
	ServiceName    string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
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
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
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

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := e.RedactedNames()
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory ("Storage.PostgresDSN",
// "Redis.Password").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// ORDERS_* environment variables, and optional secret lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string
	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "ORDERS_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Orders: OrdersConfig{
			RefundWindowDays:   intWithDefault(lookup, "ORDERS_REFUND_WINDOW_DAYS", defaultRefundWindowDays),
			TaxRate:            floatWithDefault(lookup, "ORDERS_TAX_RATE", defaultTaxRate, &invalid),
			PartialRefundRatio: floatWithDefault(lookup, "ORDERS_PARTIAL_REFUND_RATIO", defaultPartialRefundRatio, &invalid),
			MaxPaymentAmount:   floatWithDefault(lookup, "ORDERS_MAX_PAYMENT_AMOUNT", defaultMaxPaymentAmount, &invalid),
			ActiveOrderLimit:   intWithDefault(lookup, "ORDERS_ACTIVE_ORDER_LIMIT", 0),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(stringWithDefault(lookup, "ORDERS_STORAGE_BACKEND", defaultStorageBackend)),
			PostgresDSN:    stringWithDefault(lookup, "ORDERS_POSTGRES_DSN", ""),
			MigrateOnStart: boolWithDefault(lookup, "ORDERS_POSTGRES_MIGRATE", true),
			AuditBackend:   strings.ToLower(stringWithDefault(lookup, "ORDERS_AUDIT_BACKEND", BackendMemory)),
			AuditRetention: intWithDefault(lookup, "ORDERS_AUDIT_RETENTION", defaultAuditRetention),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "ORDERS_REDIS_ADDR", defaultRedisAddr),
			Password: stringWithDefault(lookup, "ORDERS_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "ORDERS_REDIS_DB", 0),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "ORDERS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Events: EventsConfig{
			PubSubProjectID: stringWithDefault(lookup, "ORDERS_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     stringWithDefault(lookup, "ORDERS_PUBSUB_TOPIC", ""),
			KafkaBrokers:    csvWithDefault(lookup, "ORDERS_KAFKA_BROKERS"),
			KafkaTopic:      stringWithDefault(lookup, "ORDERS_KAFKA_TOPIC", defaultKafkaTopic),
			PublishTimeout:  durationWithDefault(lookup, "ORDERS_EVENTS_PUBLISH_TIMEOUT", defaultPublishTimeout),
		},
		Telemetry: TelemetryConfig{
			LogLevel:       strings.ToLower(stringWithDefault(lookup, "ORDERS_LOG_LEVEL", defaultLogLevel)),
			MetricsEnabled: boolWithDefault(lookup, "ORDERS_METRICS_ENABLED", true),
			ServiceName:    stringWithDefault(lookup, "ORDERS_SERVICE_NAME", defaultServiceName),
		},
	}

	// Pub/Sub shares the Firestore project unless configured separately.
	if cfg.Events.PubSubProjectID == "" && cfg.Events.PubSubTopic != "" {
		cfg.Events.PubSubProjectID = cfg.Firestore.ProjectID
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Storage.PostgresDSN", &cfg.Storage.PostgresDSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Orders.RefundWindowDays < 0 {
		missing = append(missing, "Orders.RefundWindowDays")
	}
	if cfg.Orders.TaxRate < 0 || cfg.Orders.TaxRate >= 1 {
		missing = append(missing, "Orders.TaxRate")
	}
	if cfg.Orders.PartialRefundRatio < 0 || cfg.Orders.PartialRefundRatio > 1 {
		missing = append(missing, "Orders.PartialRefundRatio")
	}
	if cfg.Orders.MaxPaymentAmount <= 0 {
		missing = append(missing, "Orders.MaxPaymentAmount")
	}
	if cfg.Orders.ActiveOrderLimit < 0 {
		missing = append(missing, "Orders.ActiveOrderLimit")
	}
	switch cfg.Idempotency.Backend {
	case BackendMemory, BackendRedis:
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			missing = append(missing, "Storage.PostgresDSN")
		}
	default:
		missing = append(missing, "Storage.Backend")
	}
	switch cfg.Storage.AuditBackend {
	case BackendMemory:
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" && cfg.Idempotency.Backend != BackendFirestore {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Storage.AuditBackend")
	}
	if cfg.Storage.AuditRetention <= 0 {
		missing = append(missing, "Storage.AuditRetention")
	}
	if cfg.Events.PubSubTopic != "" && cfg.Events.PubSubProjectID == "" {
		missing = append(missing, "Events.PubSubProjectID")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64, invalid *[]string) float64 {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		*invalid = append(*invalid, key)
		return fallback
	}
	return parsed
}
