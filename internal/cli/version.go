package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "anroll %s (commit %s, built %s)\n", build.Version, build.Commit, build.Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
