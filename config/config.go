package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedflow/internal/market"
)

type Config struct {
	Feedflow  FeedflowConfig  `yaml:"feedflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Book      BookConfig      `yaml:"book"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Venues    VenuesConfig    `yaml:"venues"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type FeedflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type BookConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// DispatchConfig sizes the per-sink queues. Overrides are keyed by event
// kind and replace the shared defaults for that kind's queue.
type DispatchConfig struct {
	Capacity  int                      `yaml:"capacity"`
	OnFull    string                   `yaml:"on_full"`
	Overrides map[string]QueueOverride `yaml:"overrides"`
}

type QueueOverride struct {
	Capacity int    `yaml:"capacity"`
	OnFull   string `yaml:"on_full"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	Kucoin  VenueConfig `yaml:"kucoin"`
}

// VenueConfig describes one venue connection. Channels maps an event kind
// to the canonical symbols subscribed on it.
type VenueConfig struct {
	Enabled        bool                `yaml:"enabled"`
	URL            string              `yaml:"url"`
	SnapshotURL    string              `yaml:"snapshot_url"`
	SnapshotDepth  int                 `yaml:"snapshot_depth"`
	Channels       map[string][]string `yaml:"channels"`
	BookChannel    string              `yaml:"book_channel"`    // kucoin: level2Depth50 or level2
	BookDepth      int                 `yaml:"book_depth"`      // bybit orderbook topic depth
	CandleInterval string              `yaml:"candle_interval"` // venue-native kline interval
	PingInterval   time.Duration       `yaml:"ping_interval"`
	RateLimit      RateLimitConfig     `yaml:"rate_limit"`
	APIKey         string              `yaml:"api_key"`
	APISecret      string              `yaml:"api_secret"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type WriterConfig struct {
	Root        string `yaml:"root"`
	BufferRows  int    `yaml:"buffer_rows"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// EnabledVenues returns the enabled venue configurations keyed by venue name.
func (c *Config) EnabledVenues() map[string]VenueConfig {
	all := map[string]VenueConfig{
		"binance": c.Venues.Binance,
		"bybit":   c.Venues.Bybit,
		"kucoin":  c.Venues.Kucoin,
	}
	out := make(map[string]VenueConfig)
	for name, v := range all {
		if v.Enabled {
			out[name] = v
		}
	}
	return out
}

// QueueFor resolves the queue settings for one event kind, applying any
// per-kind override on top of the shared defaults.
func (c *Config) QueueFor(kind market.Kind) (capacity int, onFull string) {
	capacity, onFull = c.Dispatch.Capacity, c.Dispatch.OnFull
	if o, ok := c.Dispatch.Overrides[string(kind)]; ok {
		if o.Capacity > 0 {
			capacity = o.Capacity
		}
		if o.OnFull != "" {
			onFull = o.OnFull
		}
	}
	return capacity, onFull
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Book: BookConfig{
			MaxDepth: 50,
		},
		Dispatch: DispatchConfig{
			Capacity: 1024,
			OnFull:   "block",
		},
		Writer: WriterConfig{
			Root:        "data",
			BufferRows:  500,
			Compression: "snappy",
		},
		Metrics: MetricsConfig{
			ReportInterval: time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	overrideCreds := func(v *VenueConfig, prefix string) {
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			v.APIKey = strings.TrimSpace(key)
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			v.APISecret = strings.TrimSpace(secret)
		}
	}
	overrideCreds(&config.Venues.Binance, "BINANCE")
	overrideCreds(&config.Venues.Bybit, "BYBIT")
	overrideCreds(&config.Venues.Kucoin, "KUCOIN")
}

func validateConfig(cfg *Config) error {
	if cfg.Feedflow.Name == "" {
		return fmt.Errorf("feedflow.name is required")
	}
	if cfg.Feedflow.Version == "" {
		return fmt.Errorf("feedflow.version is required")
	}

	if cfg.Book.MaxDepth <= 0 {
		return fmt.Errorf("book.max_depth must be greater than 0")
	}

	if cfg.Dispatch.Capacity <= 0 {
		return fmt.Errorf("dispatch.capacity must be greater than 0")
	}
	if !validOnFull(cfg.Dispatch.OnFull) {
		return fmt.Errorf("dispatch.on_full must be one of block, drop_oldest, drop_newest")
	}
	for kind, o := range cfg.Dispatch.Overrides {
		if !validKind(kind) {
			return fmt.Errorf("dispatch.overrides: unknown event kind '%s'", kind)
		}
		if o.OnFull != "" && !validOnFull(o.OnFull) {
			return fmt.Errorf("dispatch.overrides.%s.on_full must be one of block, drop_oldest, drop_newest", kind)
		}
	}

	if cfg.Writer.Root == "" {
		return fmt.Errorf("writer.root is required")
	}
	if cfg.Writer.BufferRows <= 0 {
		return fmt.Errorf("writer.buffer_rows must be greater than 0")
	}
	switch cfg.Writer.Compression {
	case "snappy", "gzip", "uncompressed":
	default:
		return fmt.Errorf("writer.compression must be one of snappy, gzip, uncompressed")
	}

	for name, v := range cfg.EnabledVenues() {
		if v.URL == "" {
			return fmt.Errorf("venues.%s.url is required", name)
		}
		if len(v.Channels) == 0 {
			return fmt.Errorf("venues.%s.channels is required", name)
		}
		if name == "kucoin" {
			switch v.BookChannel {
			case "", "level2Depth50", "level2":
			default:
				return fmt.Errorf("venues.kucoin.book_channel must be level2Depth50 or level2")
			}
		} else if v.BookChannel != "" {
			return fmt.Errorf("venues.%s.book_channel is only supported for kucoin", name)
		}
		if v.BookDepth < 0 {
			return fmt.Errorf("venues.%s.book_depth must not be negative", name)
		}
		for kind, symbols := range v.Channels {
			if !validKind(kind) {
				return fmt.Errorf("venues.%s.channels: unknown event kind '%s'", name, kind)
			}
			if len(symbols) == 0 {
				return fmt.Errorf("venues.%s.channels.%s has no symbols", name, kind)
			}
			for _, sym := range symbols {
				if _, err := market.ParseSymbol(sym); err != nil {
					return fmt.Errorf("venues.%s.channels.%s: %w", name, kind, err)
				}
			}
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	return nil
}

func validOnFull(v string) bool {
	switch v {
	case "block", "drop_oldest", "drop_newest":
		return true
	default:
		return false
	}
}

func validKind(v string) bool {
	for _, k := range market.Kinds() {
		if string(k) == v {
			return true
		}
	}
	return false
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
