package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/api"
	"github.com/shizukutanaka/kasegi/internal/catalog"
	"github.com/shizukutanaka/kasegi/internal/config"
	"github.com/shizukutanaka/kasegi/internal/device"
	"github.com/shizukutanaka/kasegi/internal/logging"
	"github.com/shizukutanaka/kasegi/internal/market"
	"github.com/shizukutanaka/kasegi/internal/memgate"
	"github.com/shizukutanaka/kasegi/internal/monitoring"
	"github.com/shizukutanaka/kasegi/internal/orchestrator"
	"github.com/shizukutanaka/kasegi/internal/planner"
	"github.com/shizukutanaka/kasegi/internal/profit"
	"github.com/shizukutanaka/kasegi/internal/supervisor"
	"github.com/shizukutanaka/kasegi/internal/tuning"
	"github.com/shizukutanaka/kasegi/internal/worker"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mining orchestrator",
	Long: `Start the orchestrator: discover devices, begin evaluation
cycles, and supervise one worker process per device.

Examples:
  # Start with the default config
  kasegi start

  # Start with a specific config
  kasegi start --config rig7.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("log-file", "", "log file path (rotated JSON)")
	startCmd.Flags().String("market-url", "", "override market.source_url")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		cfg.LogFile = logFile
	}
	if marketURL, _ := cmd.Flags().GetString("market-url"); marketURL != "" {
		cfg.Market.SourceURL = marketURL
	}

	logs, err := logging.NewFactory(logging.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Sync()
	logger := logs.Root()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load capability catalog: %w", err)
	}

	static := make([]device.StaticSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		static = append(static, device.StaticSpec{Index: d.Index, Vendor: d.Vendor, Model: d.Model})
	}
	registry, err := device.Discover(logs.Get("device"), static)
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}

	if cfg.Market.SourceURL == "" {
		return fmt.Errorf("market.source_url is required")
	}
	provider := market.NewHTTPProvider(logs.Get("market"),
		cfg.Market.SourceURL, cfg.Market.FetchTimeout,
		cfg.Market.PoolFees, cfg.Market.DefaultPoolFee)

	promRegistry := prometheus.NewRegistry()
	metrics := monitoring.New(promRegistry)

	gate := memgate.NewSystemGate(logs.Get("memgate"), memgate.Config{
		Enabled:      cfg.Gate.Enabled,
		ReserveBytes: cfg.Gate.ReserveBytes,
	})

	coins := make([]string, 0, len(cfg.Pools))
	for coin := range cfg.Pools {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	calc := profit.NewCalculator(cat, cfg.Power.PricePerKWH)
	plan := planner.New(logs.Get("planner"), planner.Config{
		Coins:          coins,
		SwitchMargin:   cfg.Planner.SwitchMargin,
		Cooldown:       cfg.Planner.Cooldown,
		SnapshotMaxAge: cfg.Market.MaxSnapshotAge,
		Wallets:        cfg.Wallets,
		Pools:          cfg.Pools,
	}, cat, calc, gate)

	sup := supervisor.New(logs.Get("supervisor"), supervisor.Config{
		MinersDir:       cfg.Supervisor.MinersDir,
		BasePort:        cfg.Supervisor.BasePort,
		PortSpan:        cfg.Supervisor.PortSpan,
		LaunchRetries:   cfg.Supervisor.LaunchRetries,
		LaunchGrace:     cfg.Supervisor.GracePeriod,
		FailAfterMisses: cfg.Supervisor.FailAfterMisses,
		StopTimeout:     cfg.Supervisor.StopTimeout,
		WorkerPrefix:    cfg.WorkerName,
	}, worker.NewRegistry(), metrics)

	var control tuning.DeviceControl = tuning.NoopControl{}
	if cfg.Tuning.Enabled {
		control = tuning.NewNvidiaSMIControl(logs.Get("tuning"))
	}
	tunerCfg := tuning.Config{Enabled: cfg.Tuning.Enabled}
	if cfg.Tuning.Enabled {
		tunerCfg.ProfilePath = cfg.Tuning.Path
	}
	tuner, err := tuning.New(logs.Get("tuning"), tunerCfg, control)
	if err != nil {
		return fmt.Errorf("failed to load tuning profiles: %w", err)
	}

	orch := orchestrator.New(logs.Get("orchestrator"), orchestrator.Config{
		EvaluateInterval: cfg.Planner.EvaluateInterval,
		PollInterval:     cfg.Supervisor.PollInterval,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	}, registry, provider, plan, sup, tuner, metrics)

	server := api.NewServer(logs.Get("api"), api.Config{
		Enabled:      cfg.API.Enabled,
		Listen:       cfg.API.ListenAddr,
		PushInterval: cfg.API.PushInterval,
	}, orch, promRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start status API: %w", err)
	}
	if cfg.Tuning.Enabled {
		go func() {
			if err := tuner.Watch(ctx); err != nil {
				logger.Warn("Tuning profile watcher stopped", zap.Error(err))
			}
		}()
	}
	if cfgFile != "" {
		watcher := config.NewWatcher(logs.Get("config"), cfgFile)
		go func() {
			err := watcher.Watch(ctx, func(next *config.Config) {
				plan.UpdateRouting(next.Wallets, next.Pools)
			})
			if err != nil {
				logger.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Kasegi started",
		zap.Int("devices", registry.Len()),
		zap.Strings("coins", coins),
		zap.String("version", Version),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Status API shutdown failed", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		logger.Error("Orchestrator shutdown failed", zap.Error(err))
	}

	logger.Info("Kasegi stopped")
	return nil
}
