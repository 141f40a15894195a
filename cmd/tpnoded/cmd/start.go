package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/containerctl"
	"github.com/tpn-federation/core/internal/dante"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/geoip"
	"github.com/tpn-federation/core/internal/hoststats"
	"github.com/tpn-federation/core/internal/httpapi"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/lease/sockstore"
	"github.com/tpn-federation/core/internal/lease/wgstore"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/netns"
	"github.com/tpn-federation/core/internal/pipeline"
	"github.com/tpn-federation/core/internal/scheduler"
	"github.com/tpn-federation/core/internal/scorer"
	"github.com/tpn-federation/core/internal/store"
	"github.com/tpn-federation/core/internal/telemetry"
	"github.com/tpn-federation/core/internal/ticket"
	"github.com/tpn-federation/core/internal/validators"
	"github.com/tpn-federation/core/internal/wireguard"
)

const (
	wireguardContainerName = "tpn-wireguard"
	danteContainerName     = "tpn-dante"

	challengeTTL      = 5 * time.Minute
	requestTicketTTL  = 10 * time.Minute
	wireguardReadyMax = 30 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the federation node",
	Long: `Start the federation node using the configuration resolved from --config and
the environment, running as a worker, miner or validator per its run_mode.`,
	RunE: runStart,
}

// wireguardReplacer adapts internal/wireguard.Driver's richer
// ReplaceConfigs (which also returns fresh keys per peer, for the driver's
// own key-rotation callers) down to the narrower signature
// internal/lease/wgstore.Replacer asks for: refresh-in-place mode only
// cares whether the rotation succeeded, never the new keys themselves.
type wireguardReplacer struct {
	driver *wireguard.Driver
}

func (a wireguardReplacer) ReplaceConfigs(ctx context.Context, peerIDs []int) error {
	_, err := a.driver.ReplaceConfigs(ctx, peerIDs, nil)
	return err
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := zapcore.InfoLevel
	if cfg.CIMode {
		logLevel = zapcore.DebugLevel
	}
	telemetry.Setup("tpnoded", string(cfg.RunMode), logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry.Info(ctx, "starting tpnoded", telemetry.Fields{
		telemetry.FieldRole: string(cfg.RunMode),
		"config_file":       cfgFile,
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "tpnoded.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	locks := lock.NewRegistry()

	workers, err := inventory.New(db)
	if err != nil {
		return fmt.Errorf("open inventory store: %w", err)
	}
	pools, err := scorer.NewPoolStore(db)
	if err != nil {
		return fmt.Errorf("open pool store: %w", err)
	}
	challenges, err := validators.NewChallengeStore(db, cfg.AdminAPIKey, challengeTTL)
	if err != nil {
		return fmt.Errorf("open challenge store: %w", err)
	}
	vreg := validators.NewRegistry()
	tickets := ticket.New(requestTicketTTL)

	wgContainer := containerctl.New(wireguardContainerName)
	wgDriver := wireguard.NewDriver(wireguard.Config{
		ConfigDir: cfg.WireGuard.ConfigDir,
		PeerCount: cfg.WireGuard.PeerCount,
	}, wgContainer)

	danteContainer := containerctl.New(danteContainerName)
	danteDriver := dante.NewDriver(dante.Config{
		PublicHost:   cfg.ServerPublicHost,
		Port:         cfg.Dante.Port,
		PasswordDir:  cfg.Dante.PasswordDir,
		RegenDir:     cfg.Dante.RegenDir,
		RegenTimeout: cfg.Dante.RegenTimeout,
	}, danteContainer)

	wgLeases, err := wgstore.New(db, locks, wireguardReplacer{driver: wgDriver}, wgDriver, wgDriver, wgstore.Config{
		PeerCount:                   cfg.WireGuard.PeerCount,
		PrioritySlots:               cfg.WireGuard.PrioritySlots,
		RefreshLeaseInsteadOfDelete: cfg.WireGuard.RefreshLeaseInsteadOfDel,
	})
	if err != nil {
		return fmt.Errorf("open wireguard lease store: %w", err)
	}
	sockLeases, err := sockstore.New(db, locks, danteDriver, cfg.Dante.PasswordDir)
	if err != nil {
		return fmt.Errorf("open socks5 lease store: %w", err)
	}

	fedClient := federation.New(tickets, federation.Config{
		BaseURL:        fmt.Sprintf("%s://%s:%d", cfg.ServerPublicProtocol, cfg.ServerPublicHost, cfg.ServerPublicPort),
		DefaultPoolURL: cfg.MiningPool.URL,
	})

	tester := federation.DefaultTunnelTester{Namespace: netns.New()}
	prober := fedClient.WithTunnelTester(tester)

	var geoResolver scorer.GeoResolver
	if cfg.MaxMindLicenseKey != "" {
		mmPath := filepath.Join(cfg.DataDir, "GeoLite2-Country.mmdb")
		if _, statErr := os.Stat(mmPath); statErr == nil {
			reader, openErr := geoip.OpenMaxMind(mmPath)
			if openErr != nil {
				return fmt.Errorf("open maxmind database: %w", openErr)
			}
			defer reader.Close()
			resolver, buildErr := geoip.New(reader)
			if buildErr != nil {
				return fmt.Errorf("build geo resolver: %w", buildErr)
			}
			geoResolver = resolver
		}
	}

	metrics := scorer.NewInventoryMetrics(workers)

	workerScorer := scorer.NewWorkerScorer(workers, locks, prober, geoResolver, scorer.Config{
		Local: scorer.LocalVersion{
			Branch:  appGitCommit,
			Hash:    appGitCommit,
			Version: appVersion,
		},
		WorkerMode:     cfg.RunMode == config.RunModeWorker,
		DefaultPoolURL: cfg.MiningPool.URL,
	})
	poolScorer := scorer.NewPoolScorer(pools, locks, metrics, nil)

	pl := pipeline.New(pipeline.Deps{
		RunMode:         cfg.RunMode,
		WireGuard:       wgDriver,
		WireGuardLeases: wgLeases,
		Dante:           danteDriver,
		Sockets:         sockLeases,
		Federation:      fedClient,
		Poll:            federation.PollFeedbackURL,
	})

	httpServer := httpapi.NewServer(httpapi.Deps{
		Config:     cfg,
		Pipeline:   pl,
		Validators: vreg,
		Challenges: challenges,
		Tickets:    tickets,
		Workers:    workers,
		Pools:      pools,
		Identity: func() (string, string, string) {
			return appGitCommit, appVersion, appGitCommit
		},
		HostStats:   hoststats.New(),
		GeoResolver: geoResolver,
	})

	sched := scheduler.NewFromDeps(scheduler.Deps{
		RunMode:         cfg.RunMode,
		Locks:           locks,
		WorkerScorer:    workerScorer,
		PoolScorer:      poolScorer,
		NeuronIPs:       httpServer.NeuronIPs,
		WireGuardLeases: wgLeases,
		SOCKS5Leases:    sockLeases,
		Federation:      fedClient,
		Validators:      vreg,
		Workers:         workers,
		Pool: func(ctx context.Context) (domain.MiningPool, error) {
			return domain.MiningPool{
				MiningPoolUID: domain.InternalMiningPoolUID,
				URL:           cfg.MiningPool.URL,
				IP:            cfg.ServerPublicHost,
			}, nil
		},
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.RunMode != config.RunModeValidator {
		if _, err := wgDriver.ServerReady(ctx, wireguard.ReadyOptions{GraceWindow: wireguardReadyMax}); err != nil {
			telemetry.Warn(ctx, "wireguard container not ready at startup", telemetry.Fields{telemetry.FieldError: err.Error()})
		}
	}

	addr := fmt.Sprintf(":%d", cfg.ServerPublicPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: httpServer.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		telemetry.Info(ctx, "http server listening", telemetry.Fields{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		telemetry.Info(ctx, "received signal, shutting down", telemetry.Fields{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}
