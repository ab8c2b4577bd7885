package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "30s" parse from YAML.
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

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Liqflow   LiqflowConfig   `yaml:"liqflow"`
	Feed      FeedConfig      `yaml:"feed"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Store     StoreConfig     `yaml:"store"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type LiqflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Feed transports. The generic websocket transport speaks the JSON-RPC
// subscribe protocol itself; the binance-sdk transport delegates connection
// management to the exchange SDK's per-symbol liquidation streams.
const (
	TransportWebsocket  = "websocket"
	TransportBinanceSDK = "binance-sdk"
)

type FeedConfig struct {
	Transport      string   `yaml:"transport"`
	Schema         string   `yaml:"schema"`
	URL            string   `yaml:"url"`
	Channel        string   `yaml:"channel"`
	Symbols        []string `yaml:"symbols"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	PingInterval   Duration `yaml:"ping_interval"`
	PongTimeout    Duration `yaml:"pong_timeout"`
	CloseTimeout   Duration `yaml:"close_timeout"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type StoreConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

type SweepConfig struct {
	Interval Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Compression string   `yaml:"compression"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Address        string  `yaml:"address"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	LogHistory     int     `yaml:"log_history"`
	MetricsHistory int     `yaml:"metrics_history"`
}

type MetricsConfig struct {
	Interval   Duration         `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Liqflow: LiqflowConfig{
			Name:    "liqflow",
			Version: "dev",
		},
		Feed: FeedConfig{
			Transport:      TransportWebsocket,
			Schema:         "trades",
			Channel:        "trades.ALL",
			ConnectTimeout: Duration(10 * time.Second),
			ReconnectDelay: Duration(5 * time.Second),
			PingInterval:   Duration(30 * time.Second),
			PongTimeout:    Duration(10 * time.Second),
			CloseTimeout:   Duration(5 * time.Second),
		},
		Buffer: BufferConfig{Capacity: 1000},
		Store: StoreConfig{
			Path:      "liquidations.db",
			Retention: Duration(time.Hour),
		},
		Sweep: SweepConfig{Interval: Duration(60 * time.Second)},
		Archive: ArchiveConfig{
			Compression: "snappy",
		},
		Dashboard: DashboardConfig{
			Enabled:        true,
			Address:        ":8080",
			RateLimitRPS:   10,
			LogHistory:     200,
			MetricsHistory: 200,
		},
		Metrics: MetricsConfig{
			Interval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
	}
}

// applyEnvOverrides lets deployment environments override the feed endpoint,
// store location and cloud credentials without editing the config file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LIQFLOW_FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIQFLOW_STORE_PATH"); v != "" {
		config.Store.Path = strings.TrimSpace(v)
	}
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func (c *Config) validate() error {
	switch c.Feed.Transport {
	case TransportWebsocket, TransportBinanceSDK:
	default:
		return fmt.Errorf("unknown feed transport %q", c.Feed.Transport)
	}
	if c.Feed.Transport == TransportWebsocket && c.Feed.URL == "" {
		return fmt.Errorf("feed url is required for the websocket transport")
	}
	if c.Feed.Transport == TransportBinanceSDK && len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required for the binance-sdk transport")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Store.Retention.Std() <= 0 {
		return fmt.Errorf("store retention must be positive")
	}
	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive requires an s3 bucket")
	}
	return nil
}
