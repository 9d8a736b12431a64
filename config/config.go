package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML scalars like "30s" or "2m" decode
// directly. Bare integers are interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(raw); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(raw, "%f", &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", raw)
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Bybit      BybitConfig      `yaml:"bybit"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Watchlist  WatchlistConfig  `yaml:"watchlist"`
	Volatility VolatilityConfig `yaml:"volatility"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Store      StoreConfig      `yaml:"store"`
	Position   PositionConfig   `yaml:"position"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BybitConfig struct {
	Testnet          bool     `yaml:"testnet"`
	RestURL          string   `yaml:"rest_url"`
	RestTestnetURL   string   `yaml:"rest_testnet_url"`
	PublicWSURL      string   `yaml:"public_ws_url"`
	PublicWSTestnet  string   `yaml:"public_ws_testnet_url"`
	PrivateWSURL     string   `yaml:"private_ws_url"`
	PrivateWSTestnet string   `yaml:"private_ws_testnet_url"`
	Timeout          Duration `yaml:"timeout"`
	APIKey           string   `yaml:"api_key"`
	APISecret        string   `yaml:"api_secret"`
}

// BaseURL returns the REST base URL for the configured network.
func (b BybitConfig) BaseURL() string {
	if b.Testnet {
		return b.RestTestnetURL
	}
	return b.RestURL
}

// PublicWS returns the public stream URL for a category. Bybit splits public
// streams by product family below one host path.
func (b BybitConfig) PublicWS(category string) string {
	base := b.PublicWSURL
	if b.Testnet {
		base = b.PublicWSTestnet
	}
	return strings.TrimSuffix(base, "/") + "/" + category
}

// PrivateWS returns the private stream URL for the configured network.
func (b BybitConfig) PrivateWS() string {
	if b.Testnet {
		return b.PrivateWSTestnet
	}
	return b.PrivateWSURL
}

type RateLimitConfig struct {
	Public     WindowLimit `yaml:"public"`
	Private    WindowLimit `yaml:"private"`
	KlineBurst int         `yaml:"kline_burst"`
}

type WindowLimit struct {
	MaxCalls      int     `yaml:"max_calls"`
	WindowSeconds float64 `yaml:"window_seconds"`
}

func (w WindowLimit) Window() time.Duration {
	return time.Duration(w.WindowSeconds * float64(time.Second))
}

// WatchlistConfig carries the filter thresholds. Nil pointers mean the bound
// is not configured and the corresponding check is skipped.
type WatchlistConfig struct {
	FundingMin            *float64 `yaml:"funding_min"`
	FundingMax            *float64 `yaml:"funding_max"`
	VolumeMinMillions     *float64 `yaml:"volume_min_millions"`
	FundingTimeMinMinutes *int     `yaml:"funding_time_min_minutes"`
	FundingTimeMaxMinutes *int     `yaml:"funding_time_max_minutes"`
	SpreadMax             *float64 `yaml:"spread_max"`
	VolatilityMin         *float64 `yaml:"volatility_min"`
	VolatilityMax         *float64 `yaml:"volatility_max"`
	Limit                 int      `yaml:"limit"`
}

type VolatilityConfig struct {
	TTL             Duration `yaml:"ttl"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	CacheCap        int      `yaml:"cache_cap"`
	KlineInterval   string   `yaml:"kline_interval"`
	KlineBars       int      `yaml:"kline_bars"`
}

type StreamingConfig struct {
	MaxTopicsPerConnection int      `yaml:"max_topics_per_connection"`
	BackoffSeconds         []int    `yaml:"backoff_seconds"`
	ResetAfter             Duration `yaml:"reset_after"`
	PingInterval           Duration `yaml:"ping_interval"`
	AuthTimeout            Duration `yaml:"auth_timeout"`
	ShutdownTimeout        Duration `yaml:"shutdown_timeout"`
}

type ScannerConfig struct {
	Interval Duration `yaml:"interval"`
	Step     Duration `yaml:"step"`
}

type StoreConfig struct {
	RealtimeTTL   Duration `yaml:"realtime_ttl"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

type PositionConfig struct {
	FundingCloseWarning Duration `yaml:"funding_close_warning"`
	CheckInterval       Duration `yaml:"check_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     bool     `yaml:"cloudwatch"`
	Namespace      string   `yaml:"namespace"`
	Region         string   `yaml:"region"`
	AccessKeyID    string   `yaml:"access_key_id"`
	SecretKey      string   `yaml:"secret_access_key"`
	ReportInterval Duration `yaml:"report_interval"`
}

// Defaults returns the configuration baseline the YAML file overlays.
func Defaults() Config {
	return Config{
		Bybit: BybitConfig{
			RestURL:          "https://api.bybit.com",
			RestTestnetURL:   "https://api-testnet.bybit.com",
			PublicWSURL:      "wss://stream.bybit.com/v5/public",
			PublicWSTestnet:  "wss://stream-testnet.bybit.com/v5/public",
			PrivateWSURL:     "wss://stream.bybit.com/v5/private",
			PrivateWSTestnet: "wss://stream-testnet.bybit.com/v5/private",
			Timeout:          Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Public:     WindowLimit{MaxCalls: 120, WindowSeconds: 60},
			Private:    WindowLimit{MaxCalls: 50, WindowSeconds: 60},
			KlineBurst: 5,
		},
		Volatility: VolatilityConfig{
			TTL:             Duration(120 * time.Second),
			RefreshInterval: Duration(60 * time.Second),
			SweepInterval:   Duration(300 * time.Second),
			CacheCap:        500,
			KlineInterval:   "5",
			KlineBars:       12,
		},
		Streaming: StreamingConfig{
			MaxTopicsPerConnection: 10,
			BackoffSeconds:         []int{1, 2, 5, 10, 30},
			ResetAfter:             Duration(60 * time.Second),
			PingInterval:           Duration(20 * time.Second),
			AuthTimeout:            Duration(10 * time.Second),
			ShutdownTimeout:        Duration(5 * time.Second),
		},
		Scanner: ScannerConfig{
			Interval: Duration(60 * time.Second),
			Step:     Duration(10 * time.Second),
		},
		Store: StoreConfig{
			RealtimeTTL:   Duration(120 * time.Second),
			PurgeInterval: Duration(60 * time.Second),
		},
		Position: PositionConfig{
			FundingCloseWarning: Duration(5 * time.Minute),
			CheckInterval:       Duration(15 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{ReportInterval: Duration(30 * time.Second)},
	}
}

// LoadConfig reads, overlays and validates the configuration file. Any
// validation failure is fatal to the caller; thresholds are never silently
// clamped.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present.
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Bybit.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Bybit.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Metrics.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Metrics.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.Version == "" {
		return fmt.Errorf("service.version is required")
	}

	w := cfg.Watchlist
	if w.FundingMin != nil && *w.FundingMin < 0 {
		return fmt.Errorf("watchlist.funding_min must not be negative (bounds apply to |funding|)")
	}
	if w.FundingMin != nil && w.FundingMax != nil && *w.FundingMin > *w.FundingMax {
		return fmt.Errorf("watchlist.funding_min (%v) exceeds funding_max (%v)", *w.FundingMin, *w.FundingMax)
	}
	if w.VolumeMinMillions != nil && *w.VolumeMinMillions < 0 {
		return fmt.Errorf("watchlist.volume_min_millions must not be negative")
	}
	if w.FundingTimeMinMinutes != nil && w.FundingTimeMaxMinutes != nil &&
		*w.FundingTimeMinMinutes > *w.FundingTimeMaxMinutes {
		return fmt.Errorf("watchlist.funding_time_min_minutes exceeds funding_time_max_minutes")
	}
	if w.SpreadMax != nil && *w.SpreadMax < 0 {
		return fmt.Errorf("watchlist.spread_max must not be negative")
	}
	if w.VolatilityMin != nil && w.VolatilityMax != nil && *w.VolatilityMin > *w.VolatilityMax {
		return fmt.Errorf("watchlist.volatility_min exceeds volatility_max")
	}
	if w.Limit < 0 {
		return fmt.Errorf("watchlist.limit must not be negative")
	}

	if cfg.RateLimit.Public.MaxCalls <= 0 || cfg.RateLimit.Public.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.public must have positive max_calls and window_seconds")
	}
	if cfg.RateLimit.Private.MaxCalls <= 0 || cfg.RateLimit.Private.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.private must have positive max_calls and window_seconds")
	}

	if cfg.Volatility.TTL <= 0 || cfg.Volatility.RefreshInterval <= 0 {
		return fmt.Errorf("volatility.ttl and volatility.refresh_interval must be positive")
	}
	if cfg.Volatility.CacheCap <= 0 {
		return fmt.Errorf("volatility.cache_cap must be positive")
	}
	if cfg.Volatility.KlineBars < 2 {
		return fmt.Errorf("volatility.kline_bars must be at least 2")
	}

	if cfg.Streaming.MaxTopicsPerConnection <= 0 {
		return fmt.Errorf("streaming.max_topics_per_connection must be positive")
	}
	if len(cfg.Streaming.BackoffSeconds) == 0 {
		return fmt.Errorf("streaming.backoff_seconds must not be empty")
	}
	for _, s := range cfg.Streaming.BackoffSeconds {
		if s <= 0 {
			return fmt.Errorf("streaming.backoff_seconds entries must be positive")
		}
	}

	if cfg.Scanner.Interval <= 0 || cfg.Scanner.Step <= 0 {
		return fmt.Errorf("scanner.interval and scanner.step must be positive")
	}
	if cfg.Scanner.Step.Std() > cfg.Scanner.Interval.Std() {
		return fmt.Errorf("scanner.step must not exceed scanner.interval")
	}

	if cfg.Store.RealtimeTTL <= 0 || cfg.Store.PurgeInterval <= 0 {
		return fmt.Errorf("store.realtime_ttl and store.purge_interval must be positive")
	}

	return nil
}
