package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/internal/store/primary"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the clinic change queue",
	Long:  `Inspect and manage the clinic change queue. Use with 'list' or 'retry' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change queue items",
	Long:  `List change queue items newest first, optionally filtered by status.`,
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a Failed queue item to Pending",
	Long: `Reset a Failed queue item to Pending so the next drain picks it up.
Items never leave Failed on their own; this is the operator's lever after
fixing whatever made the item fail.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueRetry,
}

// kickTimeout bounds the best-effort drain nudge after a retry.
const kickTimeout = 3 * time.Second

func init() {
	queueCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := queueCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	queueListCmd.Flags().String("status", "", "Filter by status (Pending, Synced, Skipped, Failed)")
	queueListCmd.Flags().Int64("limit", 50, "Maximum number of items to show (0 = no limit)")

	queueRetryCmd.Flags().String("server", "", "Base URL of the running service to kick (defaults to the configured listen address)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

// openPrimaryStore loads the config named by the command's --config flag and
// opens the clinic database.
func openPrimaryStore(cmd *cobra.Command) (*config.Config, *primary.Store, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := primary.Open(cfg.Primary.Path, cfg.Primary.GetBusyTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open clinic database: %w", err)
	}
	return cfg, store, nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	status, err := cmd.Flags().GetString("status")
	if err != nil {
		return fmt.Errorf("failed to get status flag: %w", err)
	}
	limit, err := cmd.Flags().GetInt64("limit")
	if err != nil {
		return fmt.Errorf("failed to get limit flag: %w", err)
	}

	_, store, err := openPrimaryStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Error closing clinic database: %v", err)
		}
	}()

	items, err := store.ListQueueItems(ctx, primary.ListQueueItemsParams{
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list queue items: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"ID", "Table", "Record", "Operation", "Status", "Attempts", "Last Error", "Created"})
	for _, item := range items {
		_ = table.Append([]string{
			strconv.FormatInt(item.ID, 10),
			item.TableName,
			strconv.FormatInt(item.RecordID, 10),
			item.Operation,
			item.Status,
			strconv.FormatInt(item.Attempts, 10),
			compactError(item.LastError),
			item.CreatedAt.Format(time.RFC3339),
		})
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render queue table: %w", err)
	}
	return nil
}

// compactError fits the stored error into a table cell. Driver messages run
// long and would wrap every row.
func compactError(errText *string) string {
	if errText == nil {
		return ""
	}
	const maxLen = 48
	if len(*errText) > maxLen {
		return (*errText)[:maxLen-3] + "..."
	}
	return *errText
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid queue item id %q", args[0])
	}

	cfg, store, err := openPrimaryStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Error closing clinic database: %v", err)
		}
	}()

	if err := store.RetryItem(ctx, id); err != nil {
		return err
	}
	logger.Infof("Queue item %d reset to %s", id, primary.StatusPending)

	kickService(ctx, cmd, cfg)
	return nil
}

// kickService nudges a running service to drain immediately. Failure is
// normal when no service is up; the item syncs on the next drain anyway.
func kickService(ctx context.Context, cmd *cobra.Command, cfg *config.Config) {
	base, err := cmd.Flags().GetString("server")
	if err != nil || base == "" {
		base = kickBaseURL(cfg.Server.GetAddress())
	}

	reqCtx, cancel := context.WithTimeout(ctx, kickTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, base+"/api/v1/sync/kick", nil)
	if err != nil {
		logger.Debugf("Failed to build kick request: %v", err)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Infof("No running service to kick; the item syncs on the next drain")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		logger.Warnf("Kick returned unexpected status %d", resp.StatusCode)
		return
	}
	logger.Info("Kicked the running service; drain starting now")
}

// kickBaseURL converts a listen address like ":8090" to a client base URL.
func kickBaseURL(address string) string {
	if strings.HasPrefix(address, ":") {
		return "http://localhost" + address
	}
	return "http://" + address
}
