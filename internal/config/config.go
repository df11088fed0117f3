// Package config loads the orchestrator configuration from YAML with
// KASEGI_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	// WorkerName prefixes the per-device worker names at the pool
	WorkerName string `mapstructure:"worker_name"`

	Market     MarketConfig      `mapstructure:"market"`
	Planner    PlannerConfig     `mapstructure:"planner"`
	Power      PowerConfig       `mapstructure:"power"`
	Gate       GateConfig        `mapstructure:"gate"`
	Supervisor SupervisorConfig  `mapstructure:"supervisor"`
	Catalog    CatalogConfig     `mapstructure:"catalog"`
	Tuning     TuningConfig      `mapstructure:"tuning"`
	API        APIConfig         `mapstructure:"api"`
	Wallets    map[string]string `mapstructure:"wallets"`
	Pools      map[string]string `mapstructure:"pools"`
	Devices    []StaticDevice    `mapstructure:"devices"`
}

// MarketConfig configures the pricing feed.
type MarketConfig struct {
	SourceURL      string             `mapstructure:"source_url"`
	FetchTimeout   time.Duration      `mapstructure:"fetch_timeout"`
	MaxSnapshotAge time.Duration      `mapstructure:"max_snapshot_age"`
	DefaultPoolFee float64            `mapstructure:"default_pool_fee"`
	PoolFees       map[string]float64 `mapstructure:"pool_fees"`
}

// PlannerConfig configures the switching hysteresis.
type PlannerConfig struct {
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	SwitchMargin     float64       `mapstructure:"switch_margin"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// PowerConfig configures electricity pricing.
type PowerConfig struct {
	// PricePerKWH in USD; zero ranks by revenue only
	PricePerKWH float64 `mapstructure:"price_per_kwh"`
}

// GateConfig configures the memory preflight gate.
type GateConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ReserveBytes uint64 `mapstructure:"reserve_bytes"`
}

// SupervisorConfig configures worker process lifecycle.
type SupervisorConfig struct {
	MinersDir       string        `mapstructure:"miners_dir"`
	BasePort        int           `mapstructure:"base_port"`
	PortSpan        int           `mapstructure:"port_span"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	LaunchRetries   int           `mapstructure:"launch_retries"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	FailAfterMisses int           `mapstructure:"fail_after_misses"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CatalogConfig locates the capability table.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// TuningConfig configures the profile applier.
type TuningConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// APIConfig configures the status HTTP surface.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// StaticDevice overrides discovery for one device.
type StaticDevice struct {
	Index  int    `mapstructure:"index"`
	Vendor string `mapstructure:"vendor"`
	Model  string `mapstructure:"model"`
}

// Load reads the config file, applies defaults and KASEGI_* environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("KASEGI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("worker_name", "kasegi")

	v.SetDefault("market.fetch_timeout", "20s")
	v.SetDefault("market.max_snapshot_age", "10m")
	v.SetDefault("market.default_pool_fee", 0.01)

	v.SetDefault("planner.evaluate_interval", "180s")
	v.SetDefault("planner.switch_margin", 0.05)
	v.SetDefault("planner.cooldown", "5m")

	v.SetDefault("power.price_per_kwh", 0.0)

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.reserve_bytes", uint64(8)<<30)

	v.SetDefault("supervisor.miners_dir", "./miners")
	v.SetDefault("supervisor.base_port", 4067)
	v.SetDefault("supervisor.port_span", 256)
	v.SetDefault("supervisor.grace_period", "90s")
	v.SetDefault("supervisor.launch_retries", 3)
	v.SetDefault("supervisor.poll_interval", "30s")
	v.SetDefault("supervisor.fail_after_misses", 3)
	v.SetDefault("supervisor.stop_timeout", "10s")
	v.SetDefault("supervisor.shutdown_timeout", "30s")

	v.SetDefault("catalog.path", "configs/capability.yaml")

	v.SetDefault("tuning.enabled", false)
	v.SetDefault("tuning.path", "configs/tuning.yaml")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.push_interval", "5s")
}

func validate(cfg *Config) error {
	if cfg.Planner.EvaluateInterval <= 0 {
		return fmt.Errorf("planner.evaluate_interval must be positive")
	}
	if cfg.Planner.SwitchMargin < 0 || cfg.Planner.SwitchMargin >= 1 {
		return fmt.Errorf("planner.switch_margin must be in [0, 1)")
	}
	if cfg.Planner.Cooldown < 0 {
		return fmt.Errorf("planner.cooldown cannot be negative")
	}

	if cfg.Power.PricePerKWH < 0 {
		return fmt.Errorf("power.price_per_kwh cannot be negative")
	}

	if cfg.Supervisor.BasePort < 1 || cfg.Supervisor.BasePort > 65535 {
		return fmt.Errorf("supervisor.base_port must be a valid port")
	}
	if cfg.Supervisor.PortSpan < 1 {
		return fmt.Errorf("supervisor.port_span must be at least 1")
	}
	if cfg.Supervisor.LaunchRetries < 1 {
		return fmt.Errorf("supervisor.launch_retries must be at least 1")
	}
	if cfg.Supervisor.FailAfterMisses < 1 {
		return fmt.Errorf("supervisor.fail_after_misses must be at least 1")
	}

	if cfg.API.Enabled && cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the API is enabled")
	}

	for coin, url := range cfg.Pools {
		if url == "" {
			return fmt.Errorf("pools.%s must not be empty", coin)
		}
	}

	return nil
}
