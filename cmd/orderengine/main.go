package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablesync/orderengine/internal/di"
	"github.com/tablesync/orderengine/internal/handlers"
	"github.com/tablesync/orderengine/internal/platform/config"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/observability"
	"github.com/tablesync/orderengine/internal/platform/secrets"
	"github.com/tablesync/orderengine/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orderengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now().UTC()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := secrets.NewResolver(ctx, secrets.WithProject(secretsProject()))
	if err != nil {
		return fmt.Errorf("initialise secret resolver: %w", err)
	}
	defer func() {
		_ = resolver.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v", missing.RedactedNames())
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	baseLogger, err := observability.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named(cfg.Telemetry.ServiceName)
	ctx = observability.WithLogger(ctx, logger)

	otel.SetTextMapPropagator(observability.Propagator)

	build := buildInfo(cfg, startedAt)
	container, err := di.NewContainer(ctx, cfg, logger, build)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(logger, container, build),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("orderengine listening",
			zap.String("addr", server.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("idempotency", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return container.Sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

func newRouter(logger *zap.Logger, container *di.Container, build services.BuildInfo) http.Handler {
	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(container.Services.System),
			handlers.WithHealthBuildInfo(build),
		)),
		handlers.WithCommandMiddlewares(idempotency.Middleware(
			idempotency.WithHeader(container.Config.Idempotency.Header),
		)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(
			container.Services.Engine,
			container.Services.Queries,
			container.Services.Audit,
		).Routes),
		handlers.WithCommandRoutes(handlers.NewCommandHandlers(container.Services.Engine).Routes),
	}
	if container.Metrics != nil {
		middlewares = append(middlewares, container.Metrics.Middleware())
		opts = append(opts, handlers.WithMetricsHandler(container.Metrics.Handler()))
	}
	opts = append(opts, handlers.WithMiddlewares(middlewares...))

	return handlers.NewRouter(opts...)
}

func buildInfo(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("ORDERS_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("ORDERS_BUILD_COMMIT_SHA"))
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

// secretsProject picks the Secret Manager project before configuration is loaded, since the configuration
// itself may hold secret references.
func secretsProject() string {
	for _, key := range []string{"ORDERS_SECRETS_PROJECT_ID", "ORDERS_FIRESTORE_PROJECT_ID"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}
