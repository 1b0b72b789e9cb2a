package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xelth-com/healthsync/internal/app"
)

var (
	serveAddr  string
	remoteAddr string
	remoteDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and the local API",
	Long: `Run the sync engine in the background and serve the local API.

The engine recovers from any unclean shutdown first, then syncs on a timer
and whenever the remote service becomes reachable again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := serveAddr
		if addr == "" {
			addr = ":" + cfg.Port
		}
		return a.Serve(ctx, addr)
	},
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Run the reference remote health service",
	Long: `Run a remote health service that accepts batch uploads, serves a change
feed and runs analysis jobs. With GEMINI_API_KEY set, analyses include a
written summary.

Examples:
  healthsync remote --addr :8080 --db remote.db`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if remoteDB != "" {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLitePath = remoteDB
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.ServeRemote(ctx, cfg, syncCfg, remoteAddr, log)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :PORT)")

	remoteCmd.Flags().StringVar(&remoteAddr, "addr", ":8080", "listen address")
	remoteCmd.Flags().StringVar(&remoteDB, "db", "remote.db", "SQLite file for the service; empty uses DB_DRIVER settings")
}
