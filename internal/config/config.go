package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"crypto-market-etl/internal/budget"
	"crypto-market-etl/internal/logging"
	"crypto-market-etl/internal/records"
	"crypto-market-etl/internal/retry"
)

const envPrefix = "CRYPTOETL"

// Supported storage drivers and alert channels.
var (
	StorageDrivers = []string{"elasticsearch", "postgres", "clickhouse", "memory"}
	AlertChannels  = []string{"log", "email", "webhook", "telegram", "kafka"}
	BudgetBackends = []string{"memory", "redis"}
)

// Config materialises application configuration. It is built once by Load
// and passed by value or pointer into constructors.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Retry         retry.Policy        `mapstructure:"retry"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// UpstreamConfig covers the CoinMarketCap API.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Symbols           []string      `mapstructure:"symbols"`
	Currencies        []string      `mapstructure:"currencies"`
	IncludeGlobal     bool          `mapstructure:"include_global"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	DailyBudget       int           `mapstructure:"daily_budget"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// BudgetConfig selects where the daily request ledger lives.
type BudgetConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig for the shared budget ledger.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects and configures the sink.
type StorageConfig struct {
	Driver        string              `mapstructure:"driver"`
	Prefixes      records.Prefixes    `mapstructure:"prefixes"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Postgres      DatabaseConfig      `mapstructure:"postgres"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
}

// ElasticsearchConfig for the primary search store.
type ElasticsearchConfig struct {
	Addresses       []string `mapstructure:"addresses"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	APIKey          string   `mapstructure:"api_key"`
	Refresh         string   `mapstructure:"refresh"`
	MaxRetries      int      `mapstructure:"max_retries"`
	EnsureTemplates bool     `mapstructure:"ensure_templates"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ClickHouseConfig for the analytics sink.
type ClickHouseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the built-in run loop.
type SchedulerConfig struct {
	DagID         string        `mapstructure:"dag_id"`
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// AlertingConfig defines failure alert routing.
type AlertingConfig struct {
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Email    EmailConfig    `mapstructure:"email"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// TelegramConfig describes the Telegram bot destination.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ObservabilityConfig controls the metrics endpoint.
type ObservabilityConfig struct {
	Listen    string `mapstructure:"listen"`
	Namespace string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from an optional .env file, a config file, the
// environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("upstream.api_key", envPrefix+"_UPSTREAM_API_KEY", "COINMARKETCAP_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v, path != ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv never overrides variables already set in the environment.
func loadDotEnv() error {
	path := os.Getenv(envPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cryptoetl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("upstream.base_url", "https://pro-api.coinmarketcap.com")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.symbols", []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOGE", "AVAX", "DOT", "MATIC"})
	v.SetDefault("upstream.currencies", []string{"USD"})
	v.SetDefault("upstream.include_global", true)
	v.SetDefault("upstream.requests_per_minute", 30)
	v.SetDefault("upstream.daily_budget", 333)
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.user_agent", "cryptoetl/1.0")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("budget.backend", "memory")
	v.SetDefault("budget.redis.addr", "localhost:6379")
	v.SetDefault("budget.redis.password", "")
	v.SetDefault("budget.redis.db", 0)
	v.SetDefault("budget.redis.key_prefix", budget.DefaultKeyPrefix)

	prefixes := records.DefaultPrefixes()
	v.SetDefault("storage.driver", "elasticsearch")
	v.SetDefault("storage.prefixes.prices", prefixes.Prices)
	v.SetDefault("storage.prefixes.global_metrics", prefixes.GlobalMetrics)
	v.SetDefault("storage.prefixes.run_metrics", prefixes.RunMetrics)
	v.SetDefault("storage.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("storage.elasticsearch.username", "")
	v.SetDefault("storage.elasticsearch.password", "")
	v.SetDefault("storage.elasticsearch.api_key", "")
	v.SetDefault("storage.elasticsearch.refresh", "false")
	v.SetDefault("storage.elasticsearch.max_retries", 3)
	v.SetDefault("storage.elasticsearch.ensure_templates", true)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.clickhouse.dsn", "")
	v.SetDefault("storage.clickhouse.auto_migrate", true)

	v.SetDefault("scheduler.dag_id", "crypto_data_pipeline")
	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_timeout", "10m")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.email.host", "")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.email.to", []string{})
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.kafka.brokers", []string{})
	v.SetDefault("alerting.kafka.topic", "cryptoetl.alerts")

	v.SetDefault("observability.listen", "")
	v.SetDefault("observability.namespace", "cryptoetl")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// normalize trims list entries and upper-cases market identifiers.
func (c *Config) normalize() {
	c.Upstream.Symbols = cleanList(c.Upstream.Symbols, strings.ToUpper)
	c.Upstream.Currencies = cleanList(c.Upstream.Currencies, strings.ToUpper)
	c.Alerting.Channels = cleanList(c.Alerting.Channels, strings.ToLower)
	c.Alerting.Email.To = cleanList(c.Alerting.Email.To, nil)
	c.Alerting.Kafka.Brokers = cleanList(c.Alerting.Kafka.Brokers, nil)
	c.Storage.Elasticsearch.Addresses = cleanList(c.Storage.Elasticsearch.Addresses, nil)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Budget.Backend = strings.ToLower(strings.TrimSpace(c.Budget.Backend))
	if c.Storage.Driver == "elastic" {
		c.Storage.Driver = "elasticsearch"
	}
}

func cleanList(in []string, fn func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if fn != nil {
			s = fn(s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs basic sanity checks on the configuration values. The API
// key is not checked here: a missing key fails the run's extraction stage.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("retry.base_delay and retry.max_delay must be greater than zero")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay cannot be shorter than retry.base_delay")
	}
	if c.Upstream.RequestsPerMinute < 0 {
		return fmt.Errorf("upstream.requests_per_minute cannot be negative")
	}
	if c.Upstream.DailyBudget < 0 {
		return fmt.Errorf("upstream.daily_budget cannot be negative")
	}
	if len(c.Upstream.Currencies) == 0 {
		return fmt.Errorf("upstream.currencies must list at least one currency")
	}
	if !slices.Contains(BudgetBackends, c.Budget.Backend) {
		return fmt.Errorf("budget.backend %q is not one of %s", c.Budget.Backend, strings.Join(BudgetBackends, ", "))
	}
	if c.Budget.Backend == "redis" && c.Budget.Redis.Addr == "" {
		return fmt.Errorf("budget.redis.addr is required for the redis budget backend")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateAlerting(); err != nil {
		return err
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.RunTimeout < 0 {
		return fmt.Errorf("scheduler.run_timeout cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := c.Storage
	if !slices.Contains(StorageDrivers, s.Driver) {
		return fmt.Errorf("storage.driver %q is not one of %s", s.Driver, strings.Join(StorageDrivers, ", "))
	}
	if s.Prefixes.Prices == "" || s.Prefixes.GlobalMetrics == "" || s.Prefixes.RunMetrics == "" {
		return fmt.Errorf("storage.prefixes must all be set")
	}
	switch s.Driver {
	case "elasticsearch":
		if len(s.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("storage.elasticsearch.addresses is required")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case "clickhouse":
		if s.ClickHouse.DSN == "" {
			return fmt.Errorf("storage.clickhouse.dsn is required")
		}
	}
	return nil
}

func (c *Config) validateAlerting() error {
	a := c.Alerting
	for _, ch := range a.Channels {
		if !slices.Contains(AlertChannels, ch) {
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
		switch ch {
		case "email":
			if a.Email.Host == "" || a.Email.From == "" || len(a.Email.To) == 0 {
				return fmt.Errorf("alerting.email.host, from and to are required for the email channel")
			}
		case "webhook":
			if a.Webhook.URL == "" {
				return fmt.Errorf("alerting.webhook.url is required for the webhook channel")
			}
		case "telegram":
			if a.Telegram.BotToken == "" || a.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.bot_token and chat_id are required for the telegram channel")
			}
		case "kafka":
			if len(a.Kafka.Brokers) == 0 || a.Kafka.Topic == "" {
				return fmt.Errorf("alerting.kafka.brokers and topic are required for the kafka channel")
			}
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
