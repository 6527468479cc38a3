package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/evtc-relay/internal/policy"
	"github.com/ChuLiYu/evtc-relay/internal/upload"
	"github.com/ChuLiYu/evtc-relay/internal/watcher"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// TokenEnv overrides report.token when set.
const TokenEnv = "EVTC_RELAY_TOKEN"

// Config is the relay configuration file.
type Config struct {
	Watch struct {
		Dirs        []string      `yaml:"dirs"`
		Exts        []string      `yaml:"exts"`
		InitialScan bool          `yaml:"initial_scan"`
		Debounce    time.Duration `yaml:"debounce"`
	} `yaml:"watch"`

	Pipeline struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		ParseTimeout time.Duration `yaml:"parse_timeout"`
		MaxLogSize   int64         `yaml:"max_log_size"` // bytes, zero for no limit
		Account      string        `yaml:"account"`      // overrides the recording account
	} `yaml:"pipeline"`

	Report struct {
		Enabled      bool          `yaml:"enabled"`
		Endpoint     string        `yaml:"endpoint"`
		Token        string        `yaml:"token"`
		Backoff      time.Duration `yaml:"backoff"`
		MaxRetries   int           `yaml:"max_retries"`
		Exclude      []uint16      `yaml:"exclude_categories"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"report"`

	Stats struct {
		Enabled          bool     `yaml:"enabled"`
		Endpoint         string   `yaml:"endpoint"`
		ViewURL          string   `yaml:"view_url"`
		Exclude          []uint16 `yaml:"exclude_categories"`
		ReservedCategory uint16   `yaml:"reserved_category"` // never sent, 1 is WvW
	} `yaml:"stats"`

	Journal struct {
		Path          string        `yaml:"path"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		MaxBytes      int64         `yaml:"max_bytes"`
	} `yaml:"journal"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Keep     int           `yaml:"keep"`
	} `yaml:"snapshot"`

	Status struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"status"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Feed struct {
		Enabled  bool          `yaml:"enabled"`
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"feed"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// defaultConfig returns the values used for anything the file leaves out.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Watch.Exts = append([]string(nil), watcher.DefaultExts...)
	cfg.Watch.InitialScan = false
	cfg.Watch.Debounce = watcher.DefaultDebounce

	cfg.Pipeline.TickInterval = 100 * time.Millisecond
	cfg.Pipeline.ParseTimeout = time.Minute

	cfg.Report.Enabled = true
	cfg.Report.Endpoint = upload.DefaultReportEndpoint
	cfg.Report.Backoff = policy.DefaultReportBackoff
	cfg.Report.MaxRetries = policy.DefaultMaxReportRetries
	cfg.Report.ReadTimeout = upload.DefaultReadTimeout
	cfg.Report.WriteTimeout = upload.DefaultWriteTimeout

	cfg.Stats.Enabled = true
	cfg.Stats.Endpoint = upload.DefaultStatsEndpoint
	cfg.Stats.ReservedCategory = types.ReservedWvWCategory

	cfg.Journal.Path = "data/journal.log"
	cfg.Journal.BufferSize = 256
	cfg.Journal.FlushInterval = time.Second
	cfg.Journal.MaxBytes = 16 << 20

	cfg.Snapshot.Path = "data/summary.json"
	cfg.Snapshot.Interval = 5 * time.Second
	cfg.Snapshot.Keep = 3

	cfg.Status.GRPCAddr = "127.0.0.1:50061"
	cfg.Status.HTTPAddr = "127.0.0.1:9090"
	cfg.Metrics.Enabled = true

	cfg.Feed.RedisURL = "redis://127.0.0.1:6379/0"
	cfg.Feed.Interval = time.Second

	cfg.Log.Level = "info"
	return cfg
}

// loadConfig reads path over the defaults. A missing file yields the defaults.
// The token may come from the environment instead of the file.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Report.Token = tok
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.TickInterval <= 0 {
		return fmt.Errorf("pipeline.tick_interval must be positive")
	}
	if c.Pipeline.ParseTimeout < 0 || c.Pipeline.MaxLogSize < 0 {
		return fmt.Errorf("pipeline limits must not be negative")
	}
	if c.Report.Enabled && c.Report.Endpoint == "" {
		return fmt.Errorf("report.endpoint is required when report uploads are enabled")
	}
	if c.Report.Backoff <= 0 {
		return fmt.Errorf("report.backoff must be positive")
	}
	if c.Report.MaxRetries < 1 {
		return fmt.Errorf("report.max_retries must be at least 1")
	}
	if c.Stats.Enabled && c.Stats.Endpoint == "" {
		return fmt.Errorf("stats.endpoint is required when stats uploads are enabled")
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive")
	}
	if c.Feed.Enabled && c.Feed.RedisURL == "" {
		return fmt.Errorf("feed.redis_url is required when the feed is enabled")
	}
	if c.Feed.Enabled && c.Feed.Interval <= 0 {
		return fmt.Errorf("feed.interval must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// eligibility builds the upload switches.
func (c *Config) eligibility() policy.Eligibility {
	e := policy.DefaultEligibility()
	e.ReportEnabled = c.Report.Enabled
	e.StatsEnabled = c.Stats.Enabled
	e.ReportExclude = policy.CategorySet(c.Report.Exclude)
	e.StatsExclude = policy.CategorySet(c.Stats.Exclude)
	e.ReservedCategory = c.Stats.ReservedCategory
	return e
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
