package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	syncCollection string
	syncTimeout    time.Duration
	retryRecord    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload queued changes now",
	Long: `Run one sync pass against the remote service and print the summary.

Examples:
  healthsync sync
  healthsync sync --collection heart_rate
  healthsync sync --retry 5f0c...   # give a failed record a fresh attempt budget first`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
		defer cancel()

		if _, err := a.Engine.Recover(ctx); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if !a.Conn.Check(ctx) {
			return fmt.Errorf("remote service %s is unreachable", cfg.Remote.BaseURL)
		}

		if retryRecord != "" {
			n, err := a.Engine.RetryFailed(ctx, retryRecord)
			if err != nil {
				return fmt.Errorf("retry %s: %w", retryRecord, err)
			}
			log.Info("Requeued failed operations", "local_id", retryRecord, "count", n)
		}

		if syncCollection != "" {
			sum, err := a.Engine.TriggerCollectionSync(ctx, syncCollection)
			if perr := printJSON(sum); perr != nil {
				return perr
			}
			return err
		}
		sum, err := a.Engine.TriggerSync(ctx)
		if perr := printJSON(sum); perr != nil {
			return perr
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record and queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Engine.Status(cmd.Context())
		if err != nil {
			return err
		}
		st.Online = a.Conn.Check(cmd.Context())
		return printJSON(st)
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncCollection, "collection", "c", "", "sync a single entity type")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "give up after this long")
	syncCmd.Flags().StringVar(&retryRecord, "retry", "", "local id of a failed record to retry first")
}
