// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	Auth       AuthConfig          `mapstructure:"auth"`
	Search     SearchConfig        `mapstructure:"search"`
	Filter     FilterConfig        `mapstructure:"filter"`
	Mail       MailConfig          `mapstructure:"mail"`
	Delivery   DeliveryConfig      `mapstructure:"delivery"`
	Run        RunConfig           `mapstructure:"run"`
	Newsletter NewsletterConfig    `mapstructure:"newsletter"`
	DB         DBConfig            `mapstructure:"db"`
	Archive    ArchiveConfig       `mapstructure:"archive"`
	PubSub     PubSubConfig        `mapstructure:"pubsub"`
	Logging    LoggingConfig       `mapstructure:"logging"`
	Categories map[string][]string `mapstructure:"categories"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the shared secret the scheduler must present.
type AuthConfig struct {
	Key string `mapstructure:"key"`
}

// SearchConfig configures the keyword news-search client.
type SearchConfig struct {
	Endpoint           string  `mapstructure:"endpoint"`
	ClientID           string  `mapstructure:"client_id"`
	ClientSecret       string  `mapstructure:"client_secret"`
	Display            int     `mapstructure:"display"`
	Sort               string  `mapstructure:"sort"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxRetries         int     `mapstructure:"max_retries"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	JitterMs           int     `mapstructure:"jitter_ms"`
	RetryAfterFallback int     `mapstructure:"retry_after_fallback_seconds"`
	NetworkRetryMs     int     `mapstructure:"network_retry_ms"`
	RecencyHours       int     `mapstructure:"recency_hours"`
}

// FilterConfig tunes the article exclusion rules applied after the recency filter.
type FilterConfig struct {
	ExcludeKeywords  []string `mapstructure:"exclude_keywords"`
	RequiredKeywords []string `mapstructure:"required_keywords"`
	TitleMinRunes    int      `mapstructure:"title_min_runes"`
	TitleMaxRunes    int      `mapstructure:"title_max_runes"`
	UniqueWordRatio  float64  `mapstructure:"unique_word_ratio"`
}

// MailConfig configures the outbound mail provider client.
type MailConfig struct {
	APIURL            string  `mapstructure:"api_url"`
	Token             string  `mapstructure:"token"`
	UserID            string  `mapstructure:"user_id"`
	AdminEmail        string  `mapstructure:"admin_email"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	SaveSentCopy      bool    `mapstructure:"save_sent_copy"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DeliveryConfig governs batching and the per-message retry schedule.
type DeliveryConfig struct {
	BatchSize         int   `mapstructure:"batch_size"`
	BatchDelaySeconds int   `mapstructure:"batch_delay_seconds"`
	RetryDelaysMs     []int `mapstructure:"retry_delays_ms"`
	MaxQueueRetries   int   `mapstructure:"max_queue_retries"`
}

// RunConfig bounds one coordinator invocation.
type RunConfig struct {
	BudgetSeconds  int `mapstructure:"budget_seconds"`
	DailySendLimit int `mapstructure:"daily_send_limit"`
}

// NewsletterConfig holds the rendered digest's presentation strings.
type NewsletterConfig struct {
	Title         string `mapstructure:"title"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	SiteURL       string `mapstructure:"site_url"`
	SubscribeURL  string `mapstructure:"subscribe_url"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig sets where rendered digests are archived.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for run-summary notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSDIGEST")
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
	v.SetDefault("search.endpoint", "https://openapi.naver.com/v1/search/news.json")
	v.SetDefault("search.display", 5)
	v.SetDefault("search.sort", "date")
	v.SetDefault("search.timeout_seconds", 5)
	v.SetDefault("search.max_retries", 3)
	v.SetDefault("search.requests_per_second", 1)
	v.SetDefault("search.jitter_ms", 1000)
	v.SetDefault("search.retry_after_fallback_seconds", 5)
	v.SetDefault("search.network_retry_ms", 2000)
	v.SetDefault("search.recency_hours", 24)
	v.SetDefault("filter.title_min_runes", 10)
	v.SetDefault("filter.title_max_runes", 100)
	v.SetDefault("filter.unique_word_ratio", 0.6)
	v.SetDefault("mail.timeout_seconds", 10)
	v.SetDefault("mail.save_sent_copy", true)
	v.SetDefault("mail.requests_per_second", 0.8)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.batch_delay_seconds", 5)
	v.SetDefault("delivery.retry_delays_ms", []int{2000, 5000, 10000})
	v.SetDefault("delivery.max_queue_retries", 3)
	v.SetDefault("run.budget_seconds", 45)
	v.SetDefault("run.daily_send_limit", 25000)
	v.SetDefault("newsletter.title", "Industry News Digest")
	v.SetDefault("newsletter.subject_prefix", "[News Digest]")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Key == "" {
		return fmt.Errorf("auth.key must be set")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category with keywords must be configured")
	}
	for name, keywords := range c.Categories {
		if len(keywords) == 0 {
			return fmt.Errorf("category %q has no keywords", name)
		}
	}
	if c.Search.MaxRetries <= 0 {
		return fmt.Errorf("search.max_retries must be > 0")
	}
	if c.Search.RecencyHours <= 0 {
		return fmt.Errorf("search.recency_hours must be > 0")
	}
	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery.batch_size must be > 0")
	}
	if len(c.Delivery.RetryDelaysMs) == 0 {
		return fmt.Errorf("delivery.retry_delays_ms must not be empty")
	}
	if c.Run.BudgetSeconds <= 0 {
		return fmt.Errorf("run.budget_seconds must be > 0")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is pubsub")
	}
	return nil
}

// RunBudget converts the configured budget into a duration.
func (c Config) RunBudget() time.Duration {
	return time.Duration(c.Run.BudgetSeconds) * time.Second
}

// RecencyWindow converts the configured recency window into a duration.
func (c Config) RecencyWindow() time.Duration {
	return time.Duration(c.Search.RecencyHours) * time.Hour
}

// RetryDelays converts the millisecond delay table into durations.
func (c DeliveryConfig) RetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.RetryDelaysMs))
	for i, ms := range c.RetryDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}
