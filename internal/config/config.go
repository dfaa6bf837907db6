// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Reviews    ReviewsConfig    `mapstructure:"reviews"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Export     ExportConfig     `mapstructure:"export"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// StoreConfig selects and configures the work queue store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// QueueConfig controls claim leases and retry eligibility.
type QueueConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Lease          time.Duration `mapstructure:"lease"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	FailedCooldown time.Duration `mapstructure:"failed_cooldown"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// PolitenessConfig controls the delay between consecutive requests.
type PolitenessConfig struct {
	Scope    string        `mapstructure:"scope"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// RetryConfig bounds the exponential backoff between attempts on one URL.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// CrawlConfig governs the orchestrator.
type CrawlConfig struct {
	Workers          int           `mapstructure:"workers"`
	Limit            int           `mapstructure:"limit"`
	WithReviews      bool          `mapstructure:"with_reviews"`
	IdlePollInterval time.Duration `mapstructure:"idle_poll_interval"`
}

// DiscoveryConfig configures URL discovery.
type DiscoveryConfig struct {
	Method  string        `mapstructure:"method"`
	Limit   int           `mapstructure:"limit"`
	BaseURL string        `mapstructure:"base_url"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Sitemap SitemapConfig `mapstructure:"sitemap"`
}

// CatalogConfig configures the paginated-catalog strategy.
type CatalogConfig struct {
	Roots                  []string `mapstructure:"roots"`
	GenresPath             string   `mapstructure:"genres_path"`
	LinkPatterns           []string `mapstructure:"link_patterns"`
	MaxPagesPerRoot        int      `mapstructure:"max_pages_per_root"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
}

// SitemapConfig configures the robots.txt + sitemap strategy.
type SitemapConfig struct {
	RobotsPath        string   `mapstructure:"robots_path"`
	AllowedHosts      []string `mapstructure:"allowed_hosts"`
	MaxSitemaps       int      `mapstructure:"max_sitemaps"`
	FallbackToCatalog bool     `mapstructure:"fallback_to_catalog"`
}

// ReviewsConfig configures the best-effort reviews sub-step.
type ReviewsConfig struct {
	PathSuffix string `mapstructure:"path_suffix"`
	MaxPerBook int    `mapstructure:"max_per_book"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// ExportConfig sets the default export destination.
type ExportConfig struct {
	Out       string `mapstructure:"out"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// NotifyConfig selects the record-completed event publisher.
type NotifyConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the optional status/metrics HTTP server.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "harvester.sqlite")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("queue.max_attempts", 4)
	v.SetDefault("queue.lease", "10m")
	v.SetDefault("queue.sweep_interval", "30s")
	v.SetDefault("queue.failed_cooldown", "1h")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; catalog-harvester/1.0)")
	v.SetDefault("fetch.accept_language", "ru,en-US;q=0.8,en;q=0.7")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("politeness.scope", "host")
	v.SetDefault("politeness.min_delay", "500ms")
	v.SetDefault("politeness.max_delay", "1500ms")
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "2m")
	v.SetDefault("crawl.workers", 5)
	v.SetDefault("crawl.limit", 0)
	v.SetDefault("crawl.with_reviews", false)
	v.SetDefault("crawl.idle_poll_interval", "5s")
	v.SetDefault("discovery.method", "catalog")
	v.SetDefault("discovery.limit", 0)
	v.SetDefault("discovery.base_url", "https://www.litres.ru/")
	v.SetDefault("discovery.catalog.roots", []string{})
	v.SetDefault("discovery.catalog.genres_path", "/pages/new_genres/")
	v.SetDefault("discovery.catalog.link_patterns", []string{"/book/", "/audiobook/"})
	v.SetDefault("discovery.catalog.max_pages_per_root", 50)
	v.SetDefault("discovery.catalog.max_consecutive_failures", 3)
	v.SetDefault("discovery.sitemap.robots_path", "/robots.txt")
	v.SetDefault("discovery.sitemap.allowed_hosts", []string{"litres.ru", "litres.com"})
	v.SetDefault("discovery.sitemap.max_sitemaps", 5000)
	v.SetDefault("discovery.sitemap.fallback_to_catalog", false)
	v.SetDefault("reviews.path_suffix", "reviews/")
	v.SetDefault("reviews.max_per_book", 50)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("export.out", "harvest.xlsx")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.postgres_dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.Lease <= 0 {
		return fmt.Errorf("queue.lease must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	// A deferred retry holds its claim for up to max_delay after a fetch that
	// may take the full timeout.
	if held := c.Retry.MaxDelay + c.Fetch.Timeout; c.Queue.Lease <= held {
		return fmt.Errorf("queue.lease (%s) must exceed retry.max_delay + fetch.timeout (%s)", c.Queue.Lease, held)
	}
	if c.Politeness.Scope != "host" && c.Politeness.Scope != "global" {
		return fmt.Errorf("politeness.scope must be host or global, got %q", c.Politeness.Scope)
	}
	if c.Politeness.MinDelay < 0 || c.Politeness.MaxDelay < c.Politeness.MinDelay {
		return fmt.Errorf("politeness delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.Limit < 0 || c.Discovery.Limit < 0 {
		return fmt.Errorf("limits must be >= 0")
	}
	if err := ValidateMethod(c.Discovery.Method); err != nil {
		return err
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Notify.Driver {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("notify.driver must be none, memory or pubsub, got %q", c.Notify.Driver)
	}
	return nil
}

// ValidateMethod checks a discovery method name.
func ValidateMethod(method string) error {
	if method != "catalog" && method != "sitemap" {
		return fmt.Errorf("discovery.method must be catalog or sitemap, got %q", method)
	}
	return nil
}
