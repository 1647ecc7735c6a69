// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/race-results-harvester/internal/source"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Output formats.
const (
	OutputNone     = "none"
	OutputCSV      = "csv"
	OutputPostgres = "postgres"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Harvest  HarvestConfig            `mapstructure:"harvest"`
	HTTP     HTTPConfig               `mapstructure:"http"`
	Archive  ArchiveConfig            `mapstructure:"archive"`
	Output   OutputConfig             `mapstructure:"output"`
	Progress ProgressConfig           `mapstructure:"progress"`
	Server   ServerConfig             `mapstructure:"server"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Sources  map[string]source.Config `mapstructure:"sources"`
}

// HarvestConfig selects what to harvest and how hard to push.
type HarvestConfig struct {
	Sources []string `mapstructure:"sources"`
	// Periods lists explicit periods; when empty FromPeriod..ToPeriod is used.
	Periods            []int `mapstructure:"periods"`
	FromPeriod         int   `mapstructure:"from_period"`
	ToPeriod           int   `mapstructure:"to_period"`
	Concurrency        int   `mapstructure:"concurrency"`
	EmptyPageThreshold int   `mapstructure:"empty_page_threshold"`
	// FallbackUnits overrides the estimate used when a unit count is unreadable.
	FallbackUnits int `mapstructure:"fallback_units"`
	QueueDepth    int `mapstructure:"queue_depth"`
}

// HTTPConfig configures the fetch path.
type HTTPConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	Burst            int     `mapstructure:"burst"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// ArchiveConfig sets where raw pages are kept.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	HashLength  int    `mapstructure:"hash_length"`
}

// OutputConfig selects the report writer.
type OutputConfig struct {
	Format       string `mapstructure:"format"`
	Dir          string `mapstructure:"dir"`
	Pattern      string `mapstructure:"pattern"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	PairsTable   string `mapstructure:"pairs_table"`
	CreateTables bool   `mapstructure:"create_tables"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// ServerConfig controls the metrics endpoint. An empty address disables it.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("harvest.sources", []string{string(source.Boston)})
	v.SetDefault("harvest.from_period", 2010)
	v.SetDefault("harvest.to_period", 2024)
	v.SetDefault("harvest.concurrency", 10)
	v.SetDefault("harvest.empty_page_threshold", 2)
	v.SetDefault("harvest.fallback_units", 0)
	v.SetDefault("harvest.queue_depth", 0)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.rate_per_second", 2.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.max_retries", 0)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("archive.hash_length", 16)
	v.SetDefault("output.format", OutputCSV)
	v.SetDefault("output.dir", "results")
	v.SetDefault("output.pattern", "{source}.csv")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 1000)
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Harvest.Sources) == 0 {
		return fmt.Errorf("harvest.sources must not be empty")
	}
	if len(c.Harvest.Periods) == 0 && c.Harvest.FromPeriod > c.Harvest.ToPeriod {
		return fmt.Errorf("harvest.from_period must be <= harvest.to_period")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if c.Harvest.EmptyPageThreshold < 0 || c.Harvest.FallbackUnits < 0 {
		return fmt.Errorf("harvest.empty_page_threshold and harvest.fallback_units must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RatePerSecond < 0 {
		return fmt.Errorf("http.rate_per_second must be >= 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	switch c.Output.Format {
	case OutputNone:
	case OutputCSV:
		if c.Output.Dir == "" {
			return fmt.Errorf("output.dir is required for csv output")
		}
	case OutputPostgres:
		if c.Output.DSN == "" {
			return fmt.Errorf("output.dsn is required for postgres output")
		}
	default:
		return fmt.Errorf("output.format %q is not one of none, csv, postgres", c.Output.Format)
	}
	return nil
}

// PeriodList returns the explicit periods, or FromPeriod..ToPeriod inclusive.
func (c Config) PeriodList() []int {
	if len(c.Harvest.Periods) > 0 {
		return append([]int(nil), c.Harvest.Periods...)
	}
	out := make([]int, 0, c.Harvest.ToPeriod-c.Harvest.FromPeriod+1)
	for p := c.Harvest.FromPeriod; p <= c.Harvest.ToPeriod; p++ {
		out = append(out, p)
	}
	return out
}

// SourceDefinitions overlays configured sources on the presets and applies the
// fallback override to every definition that does not set its own.
func (c Config) SourceDefinitions() map[string]source.Config {
	defs := make(map[string]source.Config)
	for id, def := range source.Presets() {
		if c.Harvest.FallbackUnits > 0 {
			def.Paging.FallbackUnits = c.Harvest.FallbackUnits
		}
		defs[string(id)] = def
	}
	for id, def := range c.Sources {
		if def.Paging.FallbackUnits == 0 {
			def.Paging.FallbackUnits = c.Harvest.FallbackUnits
		}
		defs[id] = def
	}
	return defs
}

// Timeout converts the HTTP timeout to a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BatchWait converts the progress batch wait to a duration.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
