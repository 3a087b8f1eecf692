package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classlink/internal/broker"
	"classlink/internal/config"
	"classlink/internal/database"
	"classlink/internal/logging"
	"classlink/internal/metrics"
	pkgdatabase "classlink/pkg/database"
)

// Application runs the reference broker.
// Initialization order: Database → Registry → Hub → Handler → API → HTTP
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	dbManager  *database.Manager
	registry   *broker.Registry
	hub        *broker.Hub
	apiServer  *broker.Server
	httpServer *http.Server
	listener   net.Listener
}

func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logging.OrDefault(logger)

	// STEP 1: frame journal
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig,
		database.WithLogger(logger),
		database.WithWriteTimeout(cfg.Database.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	logger.Info("database migrations applied", "path", cfg.Database.Path)

	// STEP 2: metrics on a private registry so tests can build several apps
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// STEP 3: registry, hub and websocket handler
	registry := broker.NewRegistry()
	hub := broker.NewHub(registry, dbManager, broker.WithHubLogger(logger), broker.WithHubMetrics(m))
	wsHandler := broker.NewHandler(registry, hub, broker.HandlerConfig{
		Tokens:       cfg.Broker.Tokens,
		PingInterval: cfg.Broker.PingInterval,
		ReadTimeout:  2 * cfg.Broker.PingInterval,
		WriteTimeout: cfg.Broker.WriteTimeout,
		SendBuffer:   cfg.Broker.SendBuffer,
		PublishRate:  cfg.Broker.PublishRate,
		PublishBurst: cfg.Broker.PublishBurst,
	}, logger, m)

	// STEP 4: HTTP surface
	apiServer := broker.NewServer(wsHandler, registry, dbManager,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Broker.Host, strconv.Itoa(cfg.Broker.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.Broker.ReadTimeout,
		WriteTimeout: cfg.Broker.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		registry:   registry,
		hub:        hub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start runs the hub, then begins accepting connections.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	app.logger.Info("starting broker", "addr", ln.Addr().String())

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("broker started")
		return nil
	case <-ctx.Done():
		_ = app.hub.Stop()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP → connections → Hub → Database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down broker")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", "err", err)
	}
	// hijacked websockets are not tracked by http.Server
	app.registry.CloseAll()

	if err := app.hub.Stop(); err != nil && !errors.Is(err, broker.ErrHubNotRunning) {
		app.logger.Warn("hub shutdown error", "err", err)
	}
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", "err", err)
	}

	app.logger.Info("broker shutdown complete")
	return nil
}

// GetAddr returns the listening address once started, the configured one
// before that.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Journal exposes the frame journal for the CLI and tests.
func (app *Application) Journal() *database.Manager {
	return app.dbManager
}

func (app *Application) Registry() *broker.Registry {
	return app.registry
}
