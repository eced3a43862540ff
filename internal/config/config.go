package config

import (
	"log"
	"strings"
	"time"

	"github.com/GoDePIN/orchgate/internal/protocol"
	"github.com/spf13/viper"
)

type Config struct {
	API          APIConfig                  `mapstructure:"api"`
	Store        StoreConfig                `mapstructure:"store"`
	Redis        RedisConfig                `mapstructure:"redis"`
	Coordinator  CoordinatorConfig          `mapstructure:"coordinator"`
	Optimizer    OptimizerConfig            `mapstructure:"optimizer"`
	Reallocation ReallocationConfig         `mapstructure:"reallocation"`
	Monitor      MonitorConfig              `mapstructure:"monitor"`
	Scheduler    SchedulerConfig            `mapstructure:"scheduler"`
	Log          LogConfig                  `mapstructure:"log"`
	Protocols    map[string]protocol.Config `mapstructure:"protocols"`
}

type APIConfig struct {
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	Workers        int    `mapstructure:"workers"`
	RequestTimeout int    `mapstructure:"request_timeout"`
	PrometheusPath string `mapstructure:"prometheus_path"`
}

type StoreConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
	RetentionDays  int    `mapstructure:"retention_days"`
	MaxRealloc     int    `mapstructure:"max_reallocations"`
	MaxAlerts      int    `mapstructure:"max_alerts"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChangesKey    string `mapstructure:"changes_key"`
	ChangesMax    int    `mapstructure:"changes_max"`
}

type CoordinatorConfig struct {
	MaxHistory      int     `mapstructure:"max_history"`
	PollTimeoutSecs int     `mapstructure:"poll_timeout_seconds"`
	MemoryMB        float64 `mapstructure:"pool_memory_mb"`
	BandwidthMbps   float64 `mapstructure:"pool_bandwidth_mbps"`
	StorageGB       float64 `mapstructure:"pool_storage_gb"`
}

type OptimizerConfig struct {
	MinImprovementThreshold float64 `mapstructure:"min_improvement_threshold"`
	MinImprovementPercent   float64 `mapstructure:"min_improvement_percent"`
	MaxAllocationChange     float64 `mapstructure:"max_allocation_change"`
	AnalysisWindowHours     int     `mapstructure:"analysis_window_hours"`
	MinSamples              int     `mapstructure:"min_samples"`
}

type ReallocationConfig struct {
	MinHoldDurationSecs int  `mapstructure:"min_hold_duration"`
	MaxPerHour          int  `mapstructure:"max_per_hour"`
	AutoRollback        bool `mapstructure:"auto_rollback"`
}

type MonitorConfig struct {
	LowEarningsThreshold  float64 `mapstructure:"low_earnings_threshold"`
	OptimizationThreshold float64 `mapstructure:"optimization_threshold"`
	ConnectionTimeoutSecs int     `mapstructure:"connection_timeout"`
	MaxAlerts             int     `mapstructure:"max_alerts"`
}

type SchedulerConfig struct {
	PollIntervalSecs int  `mapstructure:"poll_interval_seconds"`
	AutoReallocate   bool `mapstructure:"auto_reallocate"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (c *ReallocationConfig) MinHoldDuration() time.Duration {
	return time.Duration(c.MinHoldDurationSecs) * time.Second
}

func (c *MonitorConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. ORCHGATE_STORE_URL
	viper.SetEnvPrefix("orchgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", "8080")
	viper.SetDefault("api.workers", 0)
	viper.SetDefault("api.request_timeout", 30)
	viper.SetDefault("api.prometheus_path", "/prometheus")

	viper.SetDefault("store.max_connections", 25)
	viper.SetDefault("store.retention_days", 30)
	viper.SetDefault("store.max_reallocations", 10000)
	viper.SetDefault("store.max_alerts", 1000)

	viper.SetDefault("redis.changes_key", "orchgate:recent_changes")
	viper.SetDefault("redis.changes_max", 100)

	viper.SetDefault("coordinator.max_history", 1000)
	viper.SetDefault("coordinator.poll_timeout_seconds", 5)

	viper.SetDefault("optimizer.min_improvement_threshold", 0.25)
	viper.SetDefault("optimizer.min_improvement_percent", 5.0)
	viper.SetDefault("optimizer.max_allocation_change", 0.20)
	viper.SetDefault("optimizer.analysis_window_hours", 24)
	viper.SetDefault("optimizer.min_samples", 10)

	viper.SetDefault("reallocation.min_hold_duration", 3600)
	viper.SetDefault("reallocation.max_per_hour", 4)
	viper.SetDefault("reallocation.auto_rollback", true)

	viper.SetDefault("monitor.low_earnings_threshold", 5.0)
	viper.SetDefault("monitor.optimization_threshold", 0.25)
	viper.SetDefault("monitor.connection_timeout", 300)
	viper.SetDefault("monitor.max_alerts", 1000)

	viper.SetDefault("scheduler.poll_interval_seconds", 60)
	viper.SetDefault("scheduler.auto_reallocate", false)

	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Protocols) == 0 {
		cfg.Protocols = DefaultProtocols()
	}

	return &cfg, nil
}

// DefaultProtocols declares the four reference backends with the stock
// bounds used when no protocols section is configured.
func DefaultProtocols() map[string]protocol.Config {
	return map[string]protocol.Config{
		"streaming": {
			Kind:          "streaming",
			MinAllocation: 0.05,
			MaxAllocation: 0.60,
			Credentials:   map[string]string{"private_key": "dev"},
		},
		"storage": {
			Kind:          "storage",
			MinAllocation: 0.05,
			MaxAllocation: 0.60,
			Credentials:   map[string]string{"node_id": "dev"},
		},
		"compute": {
			Kind:          "compute",
			MinAllocation: 0.05,
			MaxAllocation: 0.60,
			Credentials:   map[string]string{"wallet": "dev"},
		},
		"bandwidth": {
			Kind:          "bandwidth",
			MinAllocation: 0.05,
			MaxAllocation: 0.60,
			Credentials:   map[string]string{"api_token": "dev"},
		},
	}
}
