package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tablesync/orderengine/internal/events"
	"github.com/tablesync/orderengine/internal/platform/config"
	pfirestore "github.com/tablesync/orderengine/internal/platform/firestore"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/messaging"
	"github.com/tablesync/orderengine/internal/platform/observability"
	pgplatform "github.com/tablesync/orderengine/internal/platform/postgres"
	"github.com/tablesync/orderengine/internal/repositories"
	firestoreRepo "github.com/tablesync/orderengine/internal/repositories/firestore"
	"github.com/tablesync/orderengine/internal/repositories/memory"
	postgresRepo "github.com/tablesync/orderengine/internal/repositories/postgres"
	"github.com/tablesync/orderengine/internal/services"
)

const healthCheckTimeout = 2 * time.Second

// sensitiveEventKeys are hashed before event metadata lands in the audit log.
var sensitiveEventKeys = []string{"customer_id"}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Engine  services.OrderEngine
	Queries services.OrderQueryService
	Audit   services.AuditLogService
	System  services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config   config.Config
	Services Services
	Guard    *idempotency.Guard
	Sweeper  *idempotency.Sweeper
	Metrics  *observability.Metrics

	logger  *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// builder accumulates the state shared between the wiring steps.
type builder struct {
	cfg    config.Config
	logger *zap.Logger
	clock  func() time.Time

	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	auditRepo  repositories.AuditLogRepository
	store      idempotency.Store
	firestore  *pfirestore.Provider
	checks     []repositories.DependencyCheck
	closers    []namedCloser
}

// NewContainer constructs the runtime dependencies described by cfg. Resources opened before a failure are
// released before the error is returned.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, build services.BuildInfo) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &builder{cfg: cfg, logger: logger, clock: time.Now}

	c, err := b.build(ctx, build)
	if err != nil {
		closeAll(logger, b.closers)
		return nil, err
	}
	return c, nil
}

func (b *builder) build(ctx context.Context, build services.BuildInfo) (*Container, error) {
	if err := b.buildOrderStorage(ctx); err != nil {
		return nil, err
	}
	if err := b.buildAuditStorage(); err != nil {
		return nil, err
	}
	if err := b.buildIdempotencyStore(ctx); err != nil {
		return nil, err
	}

	guard, err := idempotency.NewGuard(idempotency.GuardDeps{
		Store:      b.store,
		Clock:      b.clock,
		DefaultTTL: b.cfg.Idempotency.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build idempotency guard: %w", err)
	}

	var metrics *observability.Metrics
	if b.cfg.Telemetry.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	dispatcher := events.NewDispatcher(b.logger.Named("events"))
	engine, err := services.NewOrderEngine(services.OrderEngineDeps{
		Orders:     b.orders,
		UnitOfWork: b.unitOfWork,
		Guard:      guard,
		Dispatcher: dispatcher,
		Policy: services.RulePolicy{
			RefundWindow:       b.cfg.Orders.RefundWindow(),
			PartialRefundRatio: b.cfg.Orders.PartialRefundRatio,
			TaxRate:            b.cfg.Orders.TaxRate,
			MaxPaymentAmount:   b.cfg.Orders.MaxPaymentAmount,
		},
		Clock:   b.clock,
		Logger:  observability.EventLogger(b.logger.Named("orders")),
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build order engine: %w", err)
	}

	queries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{Orders: b.orders})
	if err != nil {
		return nil, fmt.Errorf("build order query service: %w", err)
	}

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:         b.auditRepo,
		Clock:              b.clock,
		Logger:             b.logger.Named("audit").Sugar(),
		HashSalt:           b.cfg.Telemetry.ServiceName,
		SensitiveEventKeys: sensitiveEventKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("build audit log service: %w", err)
	}

	engine.Subscribe("logging", events.LoggingObserver(b.logger.Named("events")))
	if metrics != nil {
		engine.Subscribe("metrics", events.MetricsObserver(metrics))
	}
	engine.Subscribe("audit", audit.Observe)
	if err := b.subscribePublishers(ctx, engine); err != nil {
		return nil, err
	}

	health, err := repositories.NewDependencyHealthRepository(b.checks, repositories.WithDependencyTimeout(healthCheckTimeout))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Orders:           queries,
		Engine:           engine,
		ActiveOrderLimit: b.cfg.Orders.ActiveOrderLimit,
		Clock:            b.clock,
		Build:            build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	return &Container{
		Config: b.cfg,
		Services: Services{
			Engine:  engine,
			Queries: queries,
			Audit:   audit,
			System:  system,
		},
		Guard:   guard,
		Sweeper: idempotency.NewSweeper(guard, b.cfg.Idempotency.CleanupInterval, b.cfg.Idempotency.CleanupBatchSize, b.logger.Named("idempotency")),
		Metrics: metrics,
		logger:  b.logger,
		closers: b.closers,
	}, nil
}

func (b *builder) buildOrderStorage(ctx context.Context) error {
	switch b.cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := pgplatform.New(ctx, b.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		b.addCloser("postgres", func() error { db.Close(); return nil })
		if b.cfg.Storage.MigrateOnStart {
			if err := db.Migrate(); err != nil {
				return err
			}
		}
		repo, err := postgresRepo.NewOrderRepository(db)
		if err != nil {
			return err
		}
		b.orders = repo
		b.unitOfWork = db
		b.checks = append(b.checks, repositories.DependencyCheck{Name: "postgres", Check: db.Ping})
	default:
		b.orders = memory.NewOrderRepository()
	}
	return nil
}

func (b *builder) buildAuditStorage() error {
	if b.cfg.Storage.AuditBackend != config.BackendFirestore {
		b.auditRepo = memory.NewAuditLogRepository(b.cfg.Storage.AuditRetention)
		return nil
	}
	provider := b.firestoreProvider()
	repo, err := firestoreRepo.NewAuditLogRepository(provider)
	if err != nil {
		return fmt.Errorf("build firestore audit repository: %w", err)
	}
	b.auditRepo = repo
	return nil
}

func (b *builder) buildIdempotencyStore(ctx context.Context) error {
	switch b.cfg.Idempotency.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     b.cfg.Redis.Addr,
			Password: b.cfg.Redis.Password,
			DB:       b.cfg.Redis.DB,
		})
		b.addCloser("redis", client.Close)
		b.checks = append(b.checks, repositories.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		b.store = idempotency.NewRedisStore(client)
	case config.BackendFirestore:
		client, err := b.firestoreClient(ctx)
		if err != nil {
			return err
		}
		b.store = idempotency.NewFirestoreStore(client)
	default:
		b.store = idempotency.NewMemoryStore()
	}
	return nil
}

func (b *builder) subscribePublishers(ctx context.Context, engine services.OrderEngine) error {
	eventsCfg := b.cfg.Events
	if eventsCfg.PubSubEnabled() {
		client, err := pubsub.NewClient(ctx, eventsCfg.PubSubProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		topic := client.Topic(eventsCfg.PubSubTopic)
		b.addCloser("pubsub", func() error {
			topic.Stop()
			return client.Close()
		})
		publisher, err := messaging.NewPubSubPublisher(topic, eventsCfg.PublishTimeout)
		if err != nil {
			return err
		}
		b.checks = append(b.checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", eventsCfg.PubSubTopic)
				}
				return nil
			},
		})
		engine.Subscribe("pubsub", publisher.Observe)
	}

	if eventsCfg.KafkaEnabled() {
		producer, err := messaging.NewKafkaSyncProducer(eventsCfg.KafkaBrokers, eventsCfg.PublishTimeout)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		publisher, err := messaging.NewKafkaPublisher(producer, eventsCfg.KafkaTopic, b.logger.Named("kafka"))
		if err != nil {
			_ = producer.Close()
			return err
		}
		b.addCloser("kafka", publisher.Close)
		engine.Subscribe("kafka", publisher.Observe)
	}
	return nil
}

// firestoreProvider returns the shared provider, registering its health check and closer on first use.
func (b *builder) firestoreProvider() *pfirestore.Provider {
	if b.firestore == nil {
		b.firestore = pfirestore.NewProvider(b.cfg.Firestore)
		b.addCloser("firestore", b.firestore.Close)
		b.checks = append(b.checks, repositories.DependencyCheck{Name: "firestore", Check: b.firestore.Ping})
	}
	return b.firestore
}

func (b *builder) firestoreClient(ctx context.Context) (*firestore.Client, error) {
	client, err := b.firestoreProvider().Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect firestore: %w", err)
	}
	return client, nil
}

func (b *builder) addCloser(name string, fn func() error) {
	b.closers = append(b.closers, namedCloser{name: name, close: fn})
}

// Close releases clients in reverse order of construction.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.closers[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func closeAll(logger *zap.Logger, closers []namedCloser) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			logger.Warn("close after failed startup", zap.String("resource", closers[i].name), zap.Error(err))
		}
	}
}
