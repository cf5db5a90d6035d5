package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml strings like "30s" or "250ms" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Flowlens  FlowlensConfig  `yaml:"flowlens"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Stream    StreamConfig    `yaml:"stream"`
	Pool      PoolConfig      `yaml:"pool"`
	Router    RouterConfig    `yaml:"router"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type FlowlensConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	TradeBuffer  int `yaml:"trade_buffer"`
	BookBuffer   int `yaml:"book_buffer"`
	TickerBuffer int `yaml:"ticker_buffer"`
}

type StreamConfig struct {
	URL              string             `yaml:"url"`
	HandshakeTimeout Duration           `yaml:"handshake_timeout"`
	Backoff          BackoffConfig      `yaml:"backoff"`
	Heartbeat        HeartbeatConfig    `yaml:"heartbeat"`
	SendRate         SendRateConfig     `yaml:"send_rate"`
	ConnectLimit     ConnectLimitConfig `yaml:"connect_limit"`
}

type BackoffConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type HeartbeatConfig struct {
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
}

type SendRateConfig struct {
	MessagesPerSecond int `yaml:"messages_per_second"`
	Burst             int `yaml:"burst"`
}

// ConnectLimitConfig caps how many dials may happen inside a rolling window.
// Venues ban clients that reconnect too aggressively.
type ConnectLimitConfig struct {
	MaxConnections int      `yaml:"max_connections"`
	Window         Duration `yaml:"window"`
}

type PoolConfig struct {
	ShardSize int `yaml:"shard_size"`
}

type RouterConfig struct {
	FlushInterval Duration `yaml:"flush_interval"`
}

type AnalyticsConfig struct {
	VPIN  VPINConfig  `yaml:"vpin"`
	OFI   OFIConfig   `yaml:"ofi"`
	Delta DeltaConfig `yaml:"delta"`
}

type VPINConfig struct {
	BucketVolume     float64 `yaml:"bucket_volume"`
	WindowSize       int     `yaml:"window_size"`
	MediumThreshold  float64 `yaml:"medium_threshold"`
	HighThreshold    float64 `yaml:"high_threshold"`
	ExtremeThreshold float64 `yaml:"extreme_threshold"`
}

type OFIConfig struct {
	HistorySize         int     `yaml:"history_size"`
	MovingAverageLength int     `yaml:"moving_average_length"`
	EventStdDevs        float64 `yaml:"event_std_devs"`
}

type DeltaConfig struct {
	Window             Duration `yaml:"window"`
	DivergenceLookback int      `yaml:"divergence_lookback"`
}

type DispatchConfig struct {
	Workers     int      `yaml:"workers"`
	QueueSize   int      `yaml:"queue_size"`
	TaskTimeout Duration `yaml:"task_timeout"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Namespace         string `yaml:"namespace"`
	Region            string `yaml:"region"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads and validates the configuration file, applying defaults
// for optional sections and environment overrides for deploy-specific
// values. When APP_ENV selects a deployment environment with its own
// config file, that file takes precedence over the default path.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("STREAM_URL"); v != "" {
		config.Stream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			TradeBuffer:  4096,
			BookBuffer:   1024,
			TickerBuffer: 1024,
		},
		Stream: StreamConfig{
			HandshakeTimeout: Duration(10 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay:   Duration(time.Second),
				MaxDelay:    Duration(30 * time.Second),
				MaxAttempts: 10,
			},
			Heartbeat: HeartbeatConfig{
				Interval:   Duration(15 * time.Second),
				StaleAfter: Duration(60 * time.Second),
			},
			SendRate: SendRateConfig{
				MessagesPerSecond: 5,
				Burst:             5,
			},
			ConnectLimit: ConnectLimitConfig{
				MaxConnections: 300,
				Window:         Duration(5 * time.Minute),
			},
		},
		Pool:   PoolConfig{ShardSize: 10},
		Router: RouterConfig{FlushInterval: Duration(50 * time.Millisecond)},
		Analytics: AnalyticsConfig{
			VPIN: VPINConfig{
				BucketVolume:     100,
				WindowSize:       50,
				MediumThreshold:  0.3,
				HighThreshold:    0.6,
				ExtremeThreshold: 0.8,
			},
			OFI: OFIConfig{
				HistorySize:         200,
				MovingAverageLength: 20,
				EventStdDevs:        2.0,
			},
			Delta: DeltaConfig{
				Window:             Duration(5 * time.Minute),
				DivergenceLookback: 20,
			},
		},
		Dispatch: DispatchConfig{
			QueueSize:   64,
			TaskTimeout: Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Flowlens.Name == "" {
		return fmt.Errorf("flowlens.name is required")
	}
	if cfg.Flowlens.Version == "" {
		return fmt.Errorf("flowlens.version is required")
	}
	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}
	if cfg.Stream.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("stream.backoff.base_delay must be greater than 0")
	}
	if cfg.Stream.Backoff.MaxDelay < cfg.Stream.Backoff.BaseDelay {
		return fmt.Errorf("stream.backoff.max_delay must be at least base_delay")
	}
	if cfg.Stream.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("stream.backoff.max_attempts must be greater than 0")
	}
	if cfg.Stream.Heartbeat.StaleAfter <= cfg.Stream.Heartbeat.Interval {
		return fmt.Errorf("stream.heartbeat.stale_after must exceed the heartbeat interval")
	}
	if cfg.Stream.SendRate.MessagesPerSecond <= 0 {
		return fmt.Errorf("stream.send_rate.messages_per_second must be greater than 0")
	}
	if cfg.Stream.ConnectLimit.MaxConnections <= 0 || cfg.Stream.ConnectLimit.Window <= 0 {
		return fmt.Errorf("stream.connect_limit requires a positive max_connections and window")
	}
	if cfg.Pool.ShardSize <= 0 {
		return fmt.Errorf("pool.shard_size must be greater than 0")
	}
	if cfg.Router.FlushInterval <= 0 {
		return fmt.Errorf("router.flush_interval must be greater than 0")
	}
	if cfg.Analytics.VPIN.BucketVolume <= 0 {
		return fmt.Errorf("analytics.vpin.bucket_volume must be greater than 0")
	}
	if cfg.Analytics.VPIN.WindowSize <= 0 {
		return fmt.Errorf("analytics.vpin.window_size must be greater than 0")
	}
	if cfg.Analytics.OFI.HistorySize <= 0 {
		return fmt.Errorf("analytics.ofi.history_size must be greater than 0")
	}
	if cfg.Analytics.OFI.MovingAverageLength <= 0 {
		return fmt.Errorf("analytics.ofi.moving_average_length must be greater than 0")
	}
	if cfg.Analytics.Delta.Window <= 0 {
		return fmt.Errorf("analytics.delta.window must be greater than 0")
	}
	if cfg.Analytics.Delta.DivergenceLookback < 2 {
		return fmt.Errorf("analytics.delta.divergence_lookback must be at least 2")
	}
	if cfg.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be greater than 0")
	}
	if cfg.Dispatch.TaskTimeout <= 0 {
		return fmt.Errorf("dispatch.task_timeout must be greater than 0")
	}
	return nil
}
