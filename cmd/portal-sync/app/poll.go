package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aligntrack/portal-sync/internal/clock"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	"github.com/aligntrack/portal-sync/internal/sync"
	"github.com/aligntrack/portal-sync/internal/sync/state"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run the reverse-sync poller",
	Long: `Run the reverse-sync poller against the portal database.

With --once, a single catch-up cycle runs and its result prints as JSON.
Without it the poller keeps scanning on the configured interval until
interrupted. Either form takes the sync state lock, so it refuses to run
alongside a live serve instance.`,
	RunE: runPoll,
}

func init() {
	pollCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	pollCmd.Flags().Bool("once", false, "Run a single poll cycle and exit")

	if err := pollCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return fmt.Errorf("failed to get once flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.InitializeWithOptions(cfg.Logging.ToOptions())

	if !cfg.Sync.GetEnabled() {
		return fmt.Errorf("reverse sync is disabled in %s", configPath)
	}

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

	pool, err := replica.Connect(ctx, cfg.Replica)
	if err != nil {
		return fmt.Errorf("failed to connect to portal database: %w", err)
	}
	defer pool.Close()

	replicaClient, err := replica.New(pool)
	if err != nil {
		return fmt.Errorf("failed to create portal client: %w", err)
	}

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
	applier := sync.NewApplier(store, clk)
	poller := sync.NewPoller(applier, replicaClient, cursors, clk, cfg.Sync)

	if !once {
		return poller.Start(ctx)
	}

	result := poller.PollOnce(ctx)
	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format poll result: %w", err)
	}
	fmt.Println(string(output))

	if result.Err != "" {
		return fmt.Errorf("poll cycle failed: %s", result.Err)
	}
	return nil
}
