package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tpnoded version: %s\n", appVersion)
		fmt.Printf("git commit: %s\n", appGitCommit)
		fmt.Printf("build time: %s\n", appBuildTime)
	},
}
