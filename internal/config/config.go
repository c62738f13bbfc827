package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Logging        logging.Config       `mapstructure:"logging"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Pairs          []string             `mapstructure:"pairs"`
	Sources        SourcesConfig        `mapstructure:"sources"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Indicators     IndicatorsConfig     `mapstructure:"indicators"`
	Alerting       AlertingConfig       `mapstructure:"alerting"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Export         ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SourcesConfig groups the three rate source adapters.
type SourcesConfig struct {
	Reference  ReferenceSourceConfig  `mapstructure:"reference"`
	Market     MarketSourceConfig     `mapstructure:"market"`
	ThirdParty ThirdPartySourceConfig `mapstructure:"thirdparty"`
}

// BudgetConfig is the per-source quota and cache budget.
type BudgetConfig struct {
	DailyLimit   int           `mapstructure:"daily_limit"`
	MinuteLimit  int           `mapstructure:"minute_limit"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	IndicatorTTL time.Duration `mapstructure:"indicator_ttl"`
}

// ReferenceSourceConfig covers the official reference rate API.
type ReferenceSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Budget         BudgetConfig  `mapstructure:"budget"`
}

// MarketSourceConfig covers the live P2P venue.
type MarketSourceConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	AdvertRows     int               `mapstructure:"advert_rows"`
	TradeType      string            `mapstructure:"trade_type"`
	AssetMap       map[string]string `mapstructure:"asset_map"`
	Budget         BudgetConfig      `mapstructure:"budget"`
}

// ThirdPartySourceConfig covers the external financial-data provider.
type ThirdPartySourceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Budget         BudgetConfig  `mapstructure:"budget"`
}

// ReconciliationConfig defines deviation scoring.
type ReconciliationConfig struct {
	ThresholdPct float64 `mapstructure:"threshold_pct"`
}

// IndicatorsConfig defines technical indicator derivation.
type IndicatorsConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	OnSchedule       bool   `mapstructure:"on_schedule"`
	Kind             string `mapstructure:"kind"`
	Window           int    `mapstructure:"window"`
	SeriesSource     string `mapstructure:"series_source"`
	PreferProvider   bool   `mapstructure:"prefer_provider"`
	ProviderInterval string `mapstructure:"provider_interval"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	SeverePct   float64        `mapstructure:"severe_pct"`
	CriticalPct float64        `mapstructure:"critical_pct"`
	Delivery    DeliveryConfig `mapstructure:"delivery"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// DeliveryConfig bounds notification retries.
type DeliveryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// TelegramConfig describe los parámetros del bot de Telegram.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes the optional Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FXWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "fxwatcher")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787774))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pairs", []string{"USD/COP", "USD/VES", "USD/BRL", "USD/ARS"})

	v.SetDefault("sources.reference.base_url", "https://api.exchangerate.host")
	v.SetDefault("sources.reference.request_timeout", "10s")
	v.SetDefault("sources.reference.user_agent", "fxwatcher/1.0")

	v.SetDefault("sources.market.base_url", "https://p2p.binance.com")
	v.SetDefault("sources.market.request_timeout", "10s")
	v.SetDefault("sources.market.user_agent", "fxwatcher/1.0")
	v.SetDefault("sources.market.advert_rows", 10)
	v.SetDefault("sources.market.trade_type", "SELL")
	v.SetDefault("sources.market.asset_map", map[string]string{"USD": "USDT"})

	v.SetDefault("sources.thirdparty.enabled", false)
	v.SetDefault("sources.thirdparty.base_url", "https://www.alphavantage.co")
	v.SetDefault("sources.thirdparty.request_timeout", "15s")
	v.SetDefault("sources.thirdparty.user_agent", "fxwatcher/1.0")
	// Documented free tier: 25 requests/day, 5/minute, 15-minute cache.
	v.SetDefault("sources.thirdparty.budget.daily_limit", 25)
	v.SetDefault("sources.thirdparty.budget.minute_limit", 5)
	v.SetDefault("sources.thirdparty.budget.cache_ttl", "900s")
	v.SetDefault("sources.thirdparty.budget.indicator_ttl", "1h")

	v.SetDefault("reconciliation.threshold_pct", 2.0)

	v.SetDefault("indicators.enabled", true)
	v.SetDefault("indicators.on_schedule", false)
	v.SetDefault("indicators.kind", "RSI")
	v.SetDefault("indicators.window", 14)
	v.SetDefault("indicators.series_source", "market")
	v.SetDefault("indicators.prefer_provider", false)
	v.SetDefault("indicators.provider_interval", "daily")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.severe_pct", 5.0)
	v.SetDefault("alerting.critical_pct", 10.0)
	v.SetDefault("alerting.delivery.max_attempts", 5)
	v.SetDefault("alerting.delivery.initial_backoff", "2s")
	v.SetDefault("alerting.delivery.max_backoff", "1m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one currency pair must be configured")
	}
	for _, raw := range c.Pairs {
		if _, err := fetcher.ParsePair(raw); err != nil {
			return fmt.Errorf("pairs: %w", err)
		}
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Reconciliation.ThresholdPct < 0 {
		return fmt.Errorf("reconciliation.threshold_pct cannot be negative")
	}
	if c.Indicators.Window <= 0 {
		return fmt.Errorf("indicators.window must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Sources.ThirdParty.Enabled && c.Sources.ThirdParty.APIKey == "" {
		return fmt.Errorf("sources.thirdparty.api_key es obligatoria cuando la fuente está habilitada")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token es obligatorio")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id es obligatorio")
		}
	}
	return nil
}

// ParsedPairs returns the configured currency pairs. Call after Validate.
func (c *Config) ParsedPairs() []fetcher.Pair {
	pairs := make([]fetcher.Pair, 0, len(c.Pairs))
	for _, raw := range c.Pairs {
		pair, err := fetcher.ParsePair(raw)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
