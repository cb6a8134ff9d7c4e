// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetcher modes.
const (
	FetcherColly    = "colly"
	FetcherHeadless = "headless"
	FetcherAuto     = "auto"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Lock backends.
const (
	LockNone  = "none"
	LockRedis = "redis"
)

// Snapshot backends.
const (
	SnapshotNone   = "none"
	SnapshotMemory = "memory"
	SnapshotLocal  = "local"
	SnapshotGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Source   SourceConfig   `mapstructure:"source"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Articles ArticlesConfig `mapstructure:"articles"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Lock     LockConfig     `mapstructure:"lock"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// SourceConfig names the listing page and the domain its links must carry.
type SourceConfig struct {
	URL    string `mapstructure:"url"`
	Domain string `mapstructure:"domain"`
}

// FetcherConfig governs the outbound request for the listing page.
type FetcherConfig struct {
	Mode           string `mapstructure:"mode"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	NavTimeoutSec   int `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs   int `mapstructure:"settle_delay_ms"`
	PromotionThresh int `mapstructure:"promotion_threshold"`
}

// ExtractConfig tunes candidate extraction.
type ExtractConfig struct {
	DefaultAuthor string `mapstructure:"default_author"`
}

// StorageConfig selects the article store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                   string `mapstructure:"dsn"`
	Table                 string `mapstructure:"table"`
	MaxConns              int32  `mapstructure:"max_conns"`
	MinConns              int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinute int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate               bool   `mapstructure:"migrate"`
}

// SnapshotConfig controls where raw listing markup is archived.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArticlesConfig shapes the read endpoint.
type ArticlesConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

// ScheduleConfig drives periodic scrapes while serving. An empty Cron
// leaves scraping on demand only.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LockConfig selects the cross-process run lock.
type LockConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEADLINES")
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("source.url", "https://www.polygon.com")
	v.SetDefault("source.domain", "polygon.com")
	v.SetDefault("fetcher.mode", FetcherColly)
	v.SetDefault("fetcher.user_agent", "headlines-bot/0.1")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("extract.default_author", "Polygon Staff")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "articles")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate", true)
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.prefix", "")
	v.SetDefault("snapshot.base_dir", "snapshots")
	v.SetDefault("snapshot.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("articles.default_limit", 24)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("lock.backend", LockNone)
	v.SetDefault("lock.redis_address", "localhost:6379")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.key", "headlines:scrape:lock")
	v.SetDefault("lock.ttl_seconds", 120)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.URL == "" {
		return fmt.Errorf("source.url must be set")
	}
	if c.Source.Domain == "" {
		return fmt.Errorf("source.domain must be set")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	switch c.Fetcher.Mode {
	case FetcherColly, FetcherHeadless, FetcherAuto:
	default:
		return fmt.Errorf("fetcher.mode %q must be one of colly, headless, auto", c.Fetcher.Mode)
	}
	if c.Fetcher.Mode != FetcherColly && c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0 when headless fetching is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory or postgres", c.Storage.Backend)
	}
	switch c.Snapshot.Backend {
	case SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if c.Snapshot.BaseDir == "" {
			return fmt.Errorf("snapshot.base_dir must be set for the local backend")
		}
	case SnapshotGCS:
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshot.backend %q must be none, memory, local or gcs", c.Snapshot.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	switch c.Lock.Backend {
	case "", LockNone:
	case LockRedis:
		if c.Lock.RedisAddress == "" {
			return fmt.Errorf("lock.redis_address must be set for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q must be none or redis", c.Lock.Backend)
	}
	if c.Articles.DefaultLimit < 0 {
		return fmt.Errorf("articles.default_limit must be >= 0")
	}
	return nil
}

// FetchTimeout converts fetcher.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// NavigationTimeout converts headless.nav_timeout_seconds into a duration.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// RunFetchTimeout bounds one whole fetch for the configured mode. Headless
// navigation gets its own budget, and auto mode may spend a probe and a
// navigation back to back.
func (c Config) RunFetchTimeout() time.Duration {
	switch c.Fetcher.Mode {
	case FetcherHeadless:
		return max(c.FetchTimeout(), c.NavigationTimeout())
	case FetcherAuto:
		return c.FetchTimeout() + c.NavigationTimeout()
	default:
		return c.FetchTimeout()
	}
}

// LockTTL converts lock.ttl_seconds into a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// ShutdownTimeout converts server.shutdown_timeout_seconds into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
