package commands

import (
	"github.com/spf13/cobra"

	"waggle/internal/printer"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printer.Info("waggle %s (commit: %s, built: %s)", version, commit, date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
