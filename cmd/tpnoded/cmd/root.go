// Package cmd is the tpnoded CLI: start/init/version subcommands over the
// federation node, grounded on supernode/cmd/root.go's persistent --config
// flag and RunE-closure command shape.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	appVersion   string
	appGitCommit string
	appBuildTime string
)

var rootCmd = &cobra.Command{
	Use:   "tpnoded",
	Short: "tpnoded runs one node of the VPN federation (worker, miner or validator)",
	Long: `tpnoded is the federation node binary: depending on run_mode it acts as a
worker (provisions WireGuard/SOCKS5 tunnels for end users), a miner (fronts a
pool of workers and fans requests out to them), or a validator (scores
mining pools and audits worker health on the upstream neuron's behalf).`,
}

// Execute runs the root command, stamping build metadata passed from main.
func Execute(version, commit, buildTime string) error {
	appVersion = version
	appGitCommit = commit
	appBuildTime = buildTime
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the node's YAML config file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}
