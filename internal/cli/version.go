package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xelth-com/healthsync/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("healthsync %s\n", buildinfo.Version())
		if buildinfo.CommitTime != "" {
			fmt.Printf("  committed: %s\n", buildinfo.CommitTime)
		}
		if buildinfo.BuildTime != "" {
			fmt.Printf("  built:     %s\n", buildinfo.BuildTime)
		}
	},
}
