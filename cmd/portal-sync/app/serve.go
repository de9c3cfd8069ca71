package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/aligntrack/portal-sync/internal/api"
	v1 "github.com/aligntrack/portal-sync/internal/api/v1"
	"github.com/aligntrack/portal-sync/internal/clock"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	"github.com/aligntrack/portal-sync/internal/sync"
	"github.com/aligntrack/portal-sync/internal/sync/state"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portal sync service",
	Long: `Start the portal sync service: the forward queue processor, the
reverse-sync poller, and the HTTP API (portal webhook, sync status, health).

The service requires a configuration file (--config) that specifies:
- The clinic database path and portal database connection
- Reverse sync policy (poll interval, lookback window, cursor file)
- All other operational settings

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // In-flight applies get time to land
	serverRequestTimeout   = 15 * time.Second // Webhook applies touch both databases
	serverReadTimeout      = 10 * time.Second // Enough for headers and small requests
	serverWriteTimeout     = 20 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // Keep connections alive for reuse
	telemetryFlushTimeout  = 5 * time.Second  // Final metric/span export on shutdown
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}

	// Mark config as required
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load and validate configuration
	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.InitializeWithOptions(cfg.Logging.ToOptions())
	logger.Infof("Loaded configuration from %s (clinic db: %s, portal db: %s:%d/%s)",
		configPath, cfg.Primary.Path, cfg.Replica.Host, cfg.Replica.Port, cfg.Replica.Database)

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Errorf("Failed to shut down telemetry: %v", err)
		}
	}()

	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}

	// Open the clinic database and install the sync infrastructure
	// (change queue, triggers, doctor notes landing table).
	store, err := primary.Open(cfg.Primary.Path, cfg.Primary.GetBusyTimeout())
	if err != nil {
		return fmt.Errorf("failed to open clinic database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Error closing clinic database: %v", err)
		}
	}()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to install sync schema: %w", err)
	}

	// Connect to the portal replica.
	pool, err := replica.Connect(ctx, cfg.Replica)
	if err != nil {
		return fmt.Errorf("failed to connect to portal database: %w", err)
	}
	defer pool.Close()

	replicaClient, err := replica.New(pool)
	if err != nil {
		return fmt.Errorf("failed to create portal client: %w", err)
	}
	replicaClient = replica.WithTracing(replicaClient, tel.Tracer(replica.TracerName))

	// The cursor store doubles as the instance lock: its file lock refuses
	// a second service against the same state directory.
	cursors, err := state.NewFileCursorStore(cfg.Sync.GetStatePath())
	if err != nil {
		return fmt.Errorf("failed to acquire sync state at %s: %w", cfg.Sync.GetStatePath(), err)
	}
	defer func() {
		if err := cursors.Close(); err != nil {
			logger.Errorf("Error releasing sync state: %v", err)
		}
	}()

	clk := clock.New()

	processor := sync.NewProcessor(store, replicaClient, clk, cfg.Sync,
		sync.WithProcessorMetrics(syncMetrics))

	deps := v1.Dependencies{
		Processor:      processor,
		Queue:          store,
		Primary:        store,
		Replica:        replicaClient,
		ReverseEnabled: cfg.Sync.GetEnabled(),
		QueueMetrics:   queueMetrics,
	}

	// Applier and Poller stay unset when reverse sync is off so the API
	// reports them as absent instead of calling into nil components.
	var poller *sync.Poller
	if deps.ReverseEnabled {
		applier := sync.NewApplier(store, clk, sync.WithApplierMetrics(syncMetrics))
		poller = sync.NewPoller(applier, replicaClient, cursors, clk, cfg.Sync,
			sync.WithPollerMetrics(syncMetrics))
		deps.Applier = applier
		deps.Poller = poller
	} else {
		logger.Warn("Reverse sync is disabled; portal edits will not reach the clinic database")
	}

	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}

	router := api.NewServer(deps,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			metricsMiddleware,
			telemetry.TracingMiddleware(tel.TracerProvider()),
			api.LoggingMiddleware,
		),
	)

	address := cfg.Server.GetAddress()
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	if poller != nil {
		group.Go(func() error {
			return poller.Start(groupCtx)
		})
	}
	group.Go(func() error {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Server forced to shutdown: %v", err)
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
