// Package config loads the node's YAML configuration file and overlays the
// environment variables recognised in spec.md §6, following the same
// LoadConfig-from-YAML shape as the teacher's supernode/config/config.go, but
// using viper (as pkg/capabilities/config_manager.go does) so every env var
// in the recognised set binds onto a typed field without bespoke os.Getenv
// plumbing.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tpn-federation/core/internal/telemetry"
)

// RunMode selects which of the three federation roles this process plays.
type RunMode string

const (
	RunModeWorker    RunMode = "worker"
	RunModeMiner     RunMode = "miner"
	RunModeValidator RunMode = "validator"
)

// Config is the fully resolved node configuration: YAML file values overlaid
// by the environment variables in spec.md §6, each with the documented
// default.
type Config struct {
	RunMode RunMode `mapstructure:"run_mode"`

	ServerPublicHost     string `mapstructure:"server_public_host"`
	ServerPublicPort     int    `mapstructure:"server_public_port"`
	ServerPublicProtocol string `mapstructure:"server_public_protocol"`

	WireGuard WireGuardConfig `mapstructure:"wireguard"`
	Dante     DanteConfig     `mapstructure:"dante"`

	Postgres PostgresConfig `mapstructure:"postgres"`

	MaxMindLicenseKey      string `mapstructure:"maxmind_license_key"`
	IP2LocationDownloadTok string `mapstructure:"ip2location_download_token"`

	AdminAPIKey string `mapstructure:"admin_api_key"`

	MiningPool MiningPoolConfig `mapstructure:"mining_pool"`

	CIMode                     bool `mapstructure:"ci_mode"`
	CIMockWorkerResponses      bool `mapstructure:"ci_mock_worker_responses"`
	CIMockMiningPoolResponses  bool `mapstructure:"ci_mock_mining_pool_responses"`
	CIMockWGContainer          bool `mapstructure:"ci_mock_wg_container"`

	DataDir string `mapstructure:"data_dir"`
}

type WireGuardConfig struct {
	ServerPort               int  `mapstructure:"server_port"`
	PeerCount                int  `mapstructure:"peer_count"`
	PrioritySlots            int  `mapstructure:"priority_slots"`
	RefreshLeaseInsteadOfDel bool `mapstructure:"beta_refresh_lease_instead_of_delete"`
	ConfigDir                string `mapstructure:"config_dir"`
}

type DanteConfig struct {
	Port           int    `mapstructure:"port"`
	PasswordDir    string `mapstructure:"password_dir"`
	RegenDir       string `mapstructure:"regen_request_dir"`
	UserCount      int    `mapstructure:"user_count"`
	RegenTimeout   time.Duration
}

// MiningPoolConfig carries this node's own pool metadata when run_mode is
// miner; GET / reports these as the optional MINING_POOL_* fields of
// domain.NodeIdentity (spec.md §6). Unlike the rest of Config these have no
// recognised env var -- they are only ever set via the YAML file, since a
// pool's public URL/rewards page/website rarely change at deploy time.
type MiningPoolConfig struct {
	URL        string `mapstructure:"url"`
	Rewards    string `mapstructure:"rewards"`
	WebsiteURL string `mapstructure:"website_url"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// defaults mirrors the documented defaults in spec.md §6.
func defaults(v *viper.Viper) {
	v.SetDefault("run_mode", string(RunModeWorker))
	v.SetDefault("server_public_port", 3000)
	v.SetDefault("server_public_protocol", "http")
	v.SetDefault("wireguard.server_port", 51820)
	v.SetDefault("wireguard.peer_count", 254)
	v.SetDefault("wireguard.priority_slots", 5)
	v.SetDefault("wireguard.beta_refresh_lease_instead_of_delete", false)
	v.SetDefault("wireguard.config_dir", "/config")
	v.SetDefault("dante.port", 1080)
	v.SetDefault("dante.password_dir", "/passwords")
	v.SetDefault("dante.regen_request_dir", "/dante_regen_requests")
	v.SetDefault("dante.user_count", 1024)
	v.SetDefault("data_dir", "/var/lib/tpn-federation")
}

// envBindings maps the spec.md §6 env var names onto nested config keys, since
// viper's automatic SCREAMING_SNAKE -> nested.key replacement does not apply
// to these historically flat names.
var envBindings = map[string]string{
	"RUN_MODE":                            "run_mode",
	"SERVER_PUBLIC_HOST":                  "server_public_host",
	"SERVER_PUBLIC_PORT":                  "server_public_port",
	"SERVER_PUBLIC_PROTOCOL":              "server_public_protocol",
	"WIREGUARD_SERVERPORT":                "wireguard.server_port",
	"WIREGUARD_PEER_COUNT":                "wireguard.peer_count",
	"PRIORITY_SLOTS":                      "wireguard.priority_slots",
	"BETA_REFRESH_LEASE_INSTEAD_OF_DELETE": "wireguard.beta_refresh_lease_instead_of_delete",
	"DANTE_PORT":                          "dante.port",
	"PASSWORD_DIR":                        "dante.password_dir",
	"DANTE_REGEN_REQUEST_DIR":             "dante.regen_request_dir",
	"USER_COUNT":                          "dante.user_count",
	"POSTGRES_HOST":                       "postgres.host",
	"POSTGRES_USER":                       "postgres.user",
	"POSTGRES_PASSWORD":                   "postgres.password",
	"MAXMIND_LICENSE_KEY":                 "maxmind_license_key",
	"IP2LOCATION_DOWNLOAD_TOKEN":          "ip2location_download_token",
	"ADMIN_API_KEY":                       "admin_api_key",
	"CI_MODE":                             "ci_mode",
	"CI_MOCK_WORKER_RESPONSES":            "ci_mock_worker_responses",
	"CI_MOCK_MINING_POOL_RESPONSES":       "ci_mock_mining_pool_responses",
	"CI_MOCK_WG_CONTAINER":                "ci_mock_wg_container",
}

// Load reads filename (if present) and overlays the recognised environment
// variables, returning the resolved Config. A missing file is not an error:
// CI and container deployments frequently configure purely through env vars.
func Load(filename string) (*Config, error) {
	ctx := context.Background()
	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	if filename != "" {
		absPath, err := filepath.Abs(filename)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if _, err := os.Stat(absPath); err == nil {
			v.SetConfigFile(absPath)
			telemetry.Info(ctx, "loading configuration file", telemetry.Fields{"path": absPath})
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", absPath, err)
			}
		} else {
			telemetry.Info(ctx, "config file not found, relying on environment and defaults", telemetry.Fields{"path": absPath})
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for env, key := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Dante.RegenTimeout = 20 * time.Second

	if cfg.RunMode != RunModeWorker && cfg.RunMode != RunModeMiner && cfg.RunMode != RunModeValidator {
		return nil, fmt.Errorf("invalid run_mode %q: must be worker, miner or validator", cfg.RunMode)
	}

	return &cfg, nil
}
