// Package config declares the process configuration, bound from flags and
// environment variables, and its validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// StoreConfig configures the durable store connection pool.
type StoreConfig struct {
	URL              string        `long:"store-url" env:"STORE_URL" description:"Durable store connection URL"`
	ConnectionLimit  int           `long:"store-connection-limit" env:"STORE_CONNECTION_LIMIT" default:"10" description:"Maximum open store connections"`
	PoolTimeout      time.Duration `long:"store-pool-timeout" env:"STORE_POOL_TIMEOUT" default:"10s" description:"Maximum wait for a pooled connection"`
	ConnectTimeout   time.Duration `long:"store-connect-timeout" env:"STORE_CONNECT_TIMEOUT" default:"5s" description:"Timeout of establishing a new connection"`
	StatementTimeout time.Duration `long:"store-statement-timeout" env:"STORE_STATEMENT_TIMEOUT" default:"30s" description:"Hard per-statement timeout"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	APIKey string `long:"llm-api-key" env:"LLM_API_KEY" description:"LLM provider API key"`
	Model  string `long:"llm-model" env:"LLM_MODEL" default:"claude-3-5-haiku-latest" description:"Model used for classification and drafting"`
}

// ScraperConfig configures the fast structured scraper and target set.
type ScraperConfig struct {
	Token     string `long:"fast-scraper-token" env:"FAST_SCRAPER_TOKEN" description:"Fast scraper API token"`
	Limit     int    `long:"fast-scraper-limit" env:"FAST_SCRAPER_LIMIT" default:"25" description:"Items requested per fast scrape"`
	TargetIDs string `long:"target-ids" env:"TARGET_IDS" description:"Comma-separated ids of targets to scrape"`
}

// BrowserConfig configures the authenticated headless browser.
type BrowserConfig struct {
	ProfileDir   string `long:"browser-profile-dir" env:"BROWSER_PROFILE_DIR" description:"Persistent browser profile directory"`
	MaxInstances int    `long:"max-browser-instances" env:"MAX_BROWSER_INSTANCES" default:"2" description:"Cap of concurrent browser operations"`
}

// MessageConfig configures draft composition and dispatch quotas.
type MessageConfig struct {
	CanonicalBaseURL   string `long:"canonical-base-url" env:"CANONICAL_BASE_URL" description:"Canonical public URL every draft must reference"`
	LandingBaseURL     string `long:"landing-base-url" env:"LANDING_BASE_URL" description:"Optional landing-page base URL for share links"`
	DailyDispatchLimit int    `long:"daily-dispatch-limit" env:"DAILY_DISPATCH_LIMIT" default:"50" description:"Maximum dispatches per rolling 24h window"`
	ClassifyBatchSize  int    `long:"classify-batch-size" env:"CLASSIFY_BATCH_SIZE" default:"20" description:"Candidates classified per tick"`
	GenerateBatchSize  int    `long:"generate-batch-size" env:"GENERATE_BATCH_SIZE" default:"20" description:"Drafts generated per tick"`
	MinConfidence      int    `long:"min-confidence" env:"MIN_CONFIDENCE" default:"70" description:"Minimum classifier confidence for drafting"`
}

// LockConfig configures distributed locking of stage runs.
type LockConfig struct {
	BackendURL string        `long:"lock-backend-url" env:"LOCK_BACKEND_URL" description:"Optional shared lock backend URL (redis)"`
	TTL        time.Duration `long:"lock-ttl" env:"LOCK_TTL_SECONDS" default:"30m" description:"Failsafe TTL of held stage locks"`
}

// ScheduleConfig holds the cron-like cadence of each stage.
type ScheduleConfig struct {
	Scrape   string `long:"scrape-schedule" env:"SCRAPE_SCHEDULE" default:"*/30 * * * *" description:"Cadence of the scrape stage"`
	Classify string `long:"classify-schedule" env:"CLASSIFY_SCHEDULE" default:"*/10 * * * *" description:"Cadence of the classify stage"`
	Generate string `long:"generate-schedule" env:"GENERATE_SCHEDULE" default:"*/15 * * * *" description:"Cadence of the generate stage"`
	Dispatch string `long:"dispatch-schedule" env:"DISPATCH_SCHEDULE" default:"*/20 * * * *" description:"Cadence of the dispatch stage"`
}

// ObservabilityConfig configures sampling and self-healing intervals.
type ObservabilityConfig struct {
	SelfHealInterval time.Duration `long:"self-heal-interval" env:"SELF_HEAL_INTERVAL_SECONDS" default:"30s" description:"Cadence of self-healing probes"`
	SampleInterval   time.Duration `long:"metrics-sample-interval" env:"METRICS_SAMPLE_INTERVAL_SECONDS" default:"10s" description:"Cadence of metrics samples"`
	ListenAddr       string        `long:"listen-addr" env:"LISTEN_ADDR" default:":8080" description:"Address of the debug/metrics HTTP listener"`
}

// Config is the root configuration of the chronicler process.
type Config struct {
	Store   StoreConfig         `group:"store"`
	LLM     LLMConfig           `group:"llm"`
	Scraper ScraperConfig       `group:"scraper"`
	Browser BrowserConfig       `group:"browser"`
	Message MessageConfig       `group:"message"`
	Lock    LockConfig          `group:"lock"`
	Cron    ScheduleConfig      `group:"schedule"`
	Obs     ObservabilityConfig `group:"observability"`
}

// Targets returns the parsed TARGET_IDS list, empty entries dropped.
func (c *Config) Targets() []string {
	var out []string
	for _, id := range strings.Split(c.Scraper.TargetIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks that every required option is present and well formed.
// It reports all problems at once rather than the first.
func (c *Config) Validate() error {
	var missing []string
	for _, req := range []struct{ name, value string }{
		{"STORE_URL", c.Store.URL},
		{"LLM_API_KEY", c.LLM.APIKey},
		{"FAST_SCRAPER_TOKEN", c.Scraper.Token},
		{"TARGET_IDS", c.Scraper.TargetIDs},
		{"CANONICAL_BASE_URL", c.Message.CanonicalBaseURL},
		{"BROWSER_PROFILE_DIR", c.Browser.ProfileDir},
	} {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) != 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if _, err := url.Parse(c.Message.CanonicalBaseURL); err != nil {
		return fmt.Errorf("parsing CANONICAL_BASE_URL: %w", err)
	}
	if c.Lock.BackendURL != "" {
		if _, err := url.Parse(c.Lock.BackendURL); err != nil {
			return fmt.Errorf("parsing LOCK_BACKEND_URL: %w", err)
		}
	}
	if c.Browser.MaxInstances < 1 {
		return fmt.Errorf("MAX_BROWSER_INSTANCES must be at least 1 (got %d)", c.Browser.MaxInstances)
	}
	if c.Message.DailyDispatchLimit < 0 {
		return fmt.Errorf("DAILY_DISPATCH_LIMIT must not be negative (got %d)", c.Message.DailyDispatchLimit)
	}
	return nil
}
