package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tpn-federation/core/internal/config"
)

var (
	initForce   bool
	initRunMode string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml",
	Long: `Write a starter config.yaml at the path named by --config, filled in with
spec.md §6's documented defaults for the chosen --run-mode. Existing env vars
still override whatever this file contains at start time.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initRunMode, "run-mode", string(config.RunModeWorker), "worker, miner or validator")
}

func runInit(cmd *cobra.Command, args []string) error {
	switch config.RunMode(initRunMode) {
	case config.RunModeWorker, config.RunModeMiner, config.RunModeValidator:
	default:
		return fmt.Errorf("invalid --run-mode %q: must be worker, miner or validator", initRunMode)
	}

	if _, err := os.Stat(cfgFile); err == nil && !initForce {
		return fmt.Errorf("%s already exists; pass --force to overwrite", cfgFile)
	}

	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(cfgFile, []byte(starterConfig(config.RunMode(initRunMode))), 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfgFile, err)
	}

	fmt.Printf("wrote %s (run_mode: %s)\n", cfgFile, initRunMode)
	return nil
}

func starterConfig(runMode config.RunMode) string {
	return fmt.Sprintf(`run_mode: %s

server_public_host: ""
server_public_port: 3000
server_public_protocol: http

wireguard:
  server_port: 51820
  peer_count: 254
  priority_slots: 5
  beta_refresh_lease_instead_of_delete: false
  config_dir: /config

dante:
  port: 1080
  password_dir: /passwords
  regen_request_dir: /dante_regen_requests
  user_count: 1024

mining_pool:
  url: ""
  rewards: ""
  website_url: ""

data_dir: /var/lib/tpn-federation
admin_api_key: ""

maxmind_license_key: ""
ip2location_download_token: ""

ci_mode: false
`, runMode)
}
