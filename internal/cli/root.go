// Package cli provides the command-line interface for healthsync.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xelth-com/healthsync/internal/app"
	"github.com/xelth-com/healthsync/internal/buildinfo"
	"github.com/xelth-com/healthsync/internal/config"
)

var (
	// Global flags
	verbose    bool
	syncConfig string

	// Loaded in PersistentPreRunE
	cfg      *config.Config
	syncCfg  *config.SyncConfig
	log      *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "healthsync",
	Short: "Offline-first health data sync",
	Long: `healthsync keeps health records on the device, queues every change while
offline and uploads them in batches when the remote service is reachable.

It also runs a reference remote service for development and testing.`,
	Version:       buildinfo.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		log, closeLog = app.LoadLogger(cfg)

		if syncConfig != "" {
			syncCfg, err = config.LoadSyncConfigFile(syncConfig)
			if err != nil {
				return fmt.Errorf("load sync config: %w", err)
			}
		} else {
			syncCfg = config.LoadSyncConfig()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&syncConfig, "sync-config", "", "sync settings file (YAML), overrides SYNC_CONFIG_PATH")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

// openApp builds the device-side components for one-shot commands
func openApp() (*app.App, error) {
	return app.New(cfg, syncCfg, log)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
