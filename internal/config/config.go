// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig            `mapstructure:"server"`
	Auth    AuthConfig              `mapstructure:"auth"`
	Crawler CrawlerConfig           `mapstructure:"crawler"`
	HTTP    HTTPConfig              `mapstructure:"http"`
	DB      DBConfig                `mapstructure:"db"`
	Trend   TrendConfig             `mapstructure:"trend"`
	Archive ArchiveConfig           `mapstructure:"archive"`
	PubSub  PubSubConfig            `mapstructure:"pubsub"`
	Sched   SchedConfig             `mapstructure:"sched"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Targets map[string]TargetConfig `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs orchestrator behavior.
type CrawlerConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	DetailConcurrency int    `mapstructure:"detail_concurrency"`
	UserAgent         string `mapstructure:"user_agent"`
	StoreRetries      int    `mapstructure:"store_retries"`
	// DetailURL is the book detail page template with an {id} placeholder.
	// Empty disables detail enrichment for channel targets.
	DetailURL string `mapstructure:"detail_url"`
}

// HTTPConfig configures the fetch client: politeness delay, timeout and
// retry/backoff behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	DelayMs          int `mapstructure:"delay_ms"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// TrendConfig controls the aggregation engine.
type TrendConfig struct {
	Timezone string `mapstructure:"timezone"`
	// Per-metric bucket policy: "last" or "max".
	CollectionsPolicy   string `mapstructure:"collections_policy"`
	ChapterClicksPolicy string `mapstructure:"chapter_clicks_policy"`
}

// ArchiveConfig selects where raw listing payloads are archived.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"` // none, local or gcs
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedConfig controls periodic crawl scheduling.
type SchedConfig struct {
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	PageIDs         []string `mapstructure:"page_ids"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TargetConfig declares one crawlable listing page.
type TargetConfig struct {
	URL      string `mapstructure:"url"` // {page} placeholder for pagination
	Channel  string `mapstructure:"channel"`
	MaxPages int    `mapstructure:"max_pages"`
	Strategy string `mapstructure:"strategy"` // jiazi or channel
	RankID   string `mapstructure:"rank_id"`
	RankName string `mapstructure:"rank_name"`
	Hourly   bool   `mapstructure:"hourly"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKPULSE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.detail_concurrency", 4)
	v.SetDefault("crawler.user_agent", "bookpulse-bot/0.1")
	v.SetDefault("crawler.store_retries", 2)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.delay_ms", 500)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("trend.timezone", "Asia/Shanghai")
	v.SetDefault("trend.collections_policy", "max")
	v.SetDefault("trend.chapter_clicks_policy", "last")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("sched.interval_minutes", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.DetailConcurrency <= 0 {
		return fmt.Errorf("crawler.detail_concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := time.LoadLocation(c.Trend.Timezone); err != nil {
		return fmt.Errorf("trend.timezone %q: %w", c.Trend.Timezone, err)
	}
	for _, policy := range []string{c.Trend.CollectionsPolicy, c.Trend.ChapterClicksPolicy} {
		if policy != "last" && policy != "max" {
			return fmt.Errorf("trend policy must be \"last\" or \"max\", got %q", policy)
		}
	}
	switch c.Archive.Backend {
	case "none", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be none, local or gcs, got %q", c.Archive.Backend)
	}
	if c.Archive.Backend == "local" && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set when archive.backend is local")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
	}
	for pageID, t := range c.Targets {
		if err := validateTarget(pageID, t); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(pageID string, t TargetConfig) error {
	if t.URL == "" {
		return fmt.Errorf("targets.%s.url is required", pageID)
	}
	switch tracker.ListingStrategy(t.Strategy) {
	case tracker.StrategyJiazi, tracker.StrategyChannel:
	default:
		return fmt.Errorf("targets.%s.strategy must be jiazi or channel, got %q", pageID, t.Strategy)
	}
	if t.MaxPages < 0 {
		return fmt.Errorf("targets.%s.max_pages must be >= 0", pageID)
	}
	return nil
}

// FetchTimeout returns the per-request timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FetchDelay returns the minimum inter-request delay as a duration.
func (c Config) FetchDelay() time.Duration {
	return time.Duration(c.HTTP.DelayMs) * time.Millisecond
}
