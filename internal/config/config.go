package config

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/permit-leads/internal/cost"
	"github.com/sells-group/permit-leads/internal/ingest"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Filter     FilterConfig     `yaml:"filter" mapstructure:"filter"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OracleConfig selects and bounds the classification backend.
type OracleConfig struct {
	// Provider is one of anthropic, openai or http.
	Provider        string `yaml:"provider" mapstructure:"provider"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	// CacheTTLMins caches OK results per request; 0 disables the cache.
	CacheTTLMins int `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	// Endpoint and Token configure the http provider.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Token    string `yaml:"token" mapstructure:"token"`
	// BreakerThreshold consecutive failures open the circuit; 0 disables it.
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds settings for any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// FilterConfig configures the pre-score filter.
type FilterConfig struct {
	MaxDaysOld int `yaml:"max_days_old" mapstructure:"max_days_old"`
	// TaxonomyPath overrides the embedded keyword taxonomy.
	TaxonomyPath string `yaml:"taxonomy_path" mapstructure:"taxonomy_path"`
}

// RetryConfig configures the retry queue.
type RetryConfig struct {
	MaxRetries         int `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMins int `yaml:"initial_backoff_mins" mapstructure:"initial_backoff_mins"`
	MaxBackoffHours    int `yaml:"max_backoff_hours" mapstructure:"max_backoff_hours"`
	BatchLimit         int `yaml:"batch_limit" mapstructure:"batch_limit"`
}

// ExportConfig selects export sinks.
type ExportConfig struct {
	Dir   string   `yaml:"dir" mapstructure:"dir"`
	Sinks []string `yaml:"sinks" mapstructure:"sinks"`
}

// NotionConfig holds Notion API credentials and the lead database.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	LeadDB    string  `yaml:"lead_db" mapstructure:"lead_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string  `yaml:"client_id" mapstructure:"client_id"`
	Username   string  `yaml:"username" mapstructure:"username"`
	KeyPath    string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string  `yaml:"login_url" mapstructure:"login_url"`
	LeadSource string  `yaml:"lead_source" mapstructure:"lead_source"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	RetryRateThreshold  float64 `yaml:"retry_rate_threshold" mapstructure:"retry_rate_threshold"`
	CostThresholdUSD    float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// FetchConfig configures remote input downloads and file parsing.
type FetchConfig struct {
	Dir            string         `yaml:"dir" mapstructure:"dir"`
	UserAgent      string         `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int            `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int            `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerHost    float64        `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	FTPTimeoutSecs int            `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
	Ingest         ingest.Options `yaml:"ingest" mapstructure:"ingest"`
}

// Validation modes, one per command family.
const (
	ModeRun   = "run"
	ModeRetry = "retry"
	ModeServe = "serve"
	ModeQuery = "query"
)

// Sink names accepted in export.sinks.
var knownSinks = []string{"csv", "xlsx", "notion", "salesforce"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PERMIT_LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "permit-leads.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("oracle.provider", "anthropic")
	v.SetDefault("oracle.concurrency", 5)
	v.SetDefault("oracle.call_timeout_secs", 30)
	v.SetDefault("oracle.max_tokens", 512)
	v.SetDefault("oracle.cache_ttl_mins", 60)
	v.SetDefault("oracle.breaker_threshold", 10)
	v.SetDefault("oracle.breaker_cooldown_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("filter.max_days_old", 90)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.initial_backoff_mins", 60)
	v.SetDefault("retry.max_backoff_hours", 24)
	v.SetDefault("retry.batch_limit", 100)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.sinks", []string{"csv"})
	v.SetDefault("notion.rate_limit", 3)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.lead_source", "Building Permit")
	v.SetDefault("salesforce.rate_limit", 5)
	v.SetDefault("monitoring.retry_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 25.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("fetch.user_agent", "permit-leads/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_host", 5)
	v.SetDefault("fetch.ftp_timeout_secs", 30)

	// Secrets and optional settings have empty defaults so env overrides
	// reach Unmarshal.
	for _, key := range []string{
		"oracle.endpoint", "oracle.token",
		"anthropic.key", "anthropic.base_url", "openai.key",
		"filter.taxonomy_path",
		"notion.token", "notion.lead_db",
		"salesforce.client_id", "salesforce.username", "salesforce.key_path",
		"monitoring.webhook_url",
		"fetch.dir", "fetch.ingest.format", "fetch.ingest.sheet",
		"fetch.ingest.delimiter", "fetch.ingest.charset", "fetch.ingest.element",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("monitoring.enabled", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks the settings a command family needs. Read-only
// commands only need a reachable store.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string) { problems = append(problems, format) }

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format must be json or console")
	}

	if mode == ModeRun || mode == ModeRetry || mode == ModeServe {
		switch c.Oracle.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				add("anthropic.key is required for oracle.provider=anthropic")
			}
		case "openai":
			if c.OpenAI.Key == "" {
				add("openai.key is required for oracle.provider=openai")
			}
		case "http":
			if c.Oracle.Endpoint == "" {
				add("oracle.endpoint is required for oracle.provider=http")
			}
		default:
			add("oracle.provider must be anthropic, openai or http")
		}
		if c.Oracle.Concurrency <= 0 {
			add("oracle.concurrency must be positive")
		}
		if c.Retry.MaxRetries <= 0 {
			add("retry.max_retries must be positive")
		}

		for _, s := range c.Export.Sinks {
			if !slices.Contains(knownSinks, s) {
				add("export.sinks: unknown sink " + s)
			}
		}
		if slices.Contains(c.Export.Sinks, "notion") && (c.Notion.Token == "" || c.Notion.LeadDB == "") {
			add("notion.token and notion.lead_db are required for the notion sink")
		}
		if slices.Contains(c.Export.Sinks, "salesforce") &&
			(c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "") {
			add("salesforce.client_id, salesforce.username and salesforce.key_path are required for the salesforce sink")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			add("monitoring.webhook_url is required when monitoring is enabled")
		}
	}

	if mode == ModeServe && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
