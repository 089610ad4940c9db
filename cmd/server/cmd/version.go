package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "stream-gateway %s (built %s)\n", buildVersion, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
