// Package configs provides application configuration loaded from environment variables.
// A YAML sources file (SOURCES_FILE) may override the per-adapter settings.
package configs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string

	// HTTPAddr is the listen address of the HTTP API (e.g., ":8080").
	HTTPAddr string

	// WatchList is the default symbol set served by /v1/market.
	WatchList []string

	Cache      CacheConfig
	Aggregator AggregatorConfig
	Sources    SourcesConfig
	Kafka      KafkaConfig
	Redis      RedisConfig

	// PyroscopeServer enables continuous profiling when set.
	PyroscopeServer string
}

type CacheConfig struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

type AggregatorConfig struct {
	// AdapterTimeout bounds each adapter call in an aggregation round.
	AdapterTimeout time.Duration
	Concurrency    int
	TTL            time.Duration

	// DepthTTL is the cache lifetime of order books and trade lists.
	DepthTTL time.Duration
}

// SourceConfig is one adapter's settings. Fields left empty keep the
// adapter's defaults.
type SourceConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url"`
	StreamURL         string  `yaml:"stream_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	APIKey            string  `yaml:"api_key"`

	// QuoteAsset is the pair suffix for exchange feeds (e.g., "USDT").
	QuoteAsset string `yaml:"quote_asset"`

	// Chain restricts DEX pairs to one chain.
	Chain string `yaml:"chain"`
}

type SourcesConfig struct {
	Binance     SourceConfig `yaml:"binance"`
	CoinGecko   SourceConfig `yaml:"coingecko"`
	DexScreener SourceConfig `yaml:"dexscreener"`
	CoinCap     SourceConfig `yaml:"coincap"`
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092"). Empty
	// disables both the change-event listener and the update publisher.
	Broker string

	// ChangeTopic carries JSON change events for cache invalidation.
	ChangeTopic string

	// GroupID is the consumer group of the invalidation listener.
	GroupID string

	// UpdatesTopic receives merged live updates. Empty disables publishing.
	UpdatesTopic string
}

// RedisConfig holds the pub/sub intake settings. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Pattern is the PSUBSCRIBE channel pattern.
	Pattern string
}

type sourcesFile struct {
	Sources SourcesConfig `yaml:"sources"`
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	cfg := &AppConfig{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		WatchList: getEnvList("WATCH_LIST", []string{"BTC", "ETH", "SOL", "BNB", "XRP"}),
		Cache: CacheConfig{
			DefaultTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),
			SweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 60*time.Second),
		},
		Aggregator: AggregatorConfig{
			AdapterTimeout: getEnvDuration("ADAPTER_TIMEOUT", 5*time.Second),
			Concurrency:    getEnvInt("ADAPTER_CONCURRENCY", 4),
			TTL:            getEnvDuration("AGGREGATE_TTL", 15*time.Second),
			DepthTTL:       getEnvDuration("DEPTH_TTL", 5*time.Second),
		},
		Sources: SourcesConfig{
			Binance: SourceConfig{
				Enabled:           getEnvBool("BINANCE_ENABLED", true),
				BaseURL:           getEnv("BINANCE_REST_URL", ""),
				StreamURL:         getEnv("BINANCE_WS_URL", ""),
				RequestsPerSecond: getEnvFloat("BINANCE_RPS", 10),
				QuoteAsset:        getEnv("BINANCE_QUOTE_ASSET", "USDT"),
			},
			CoinGecko: SourceConfig{
				Enabled:           getEnvBool("COINGECKO_ENABLED", true),
				BaseURL:           getEnv("COINGECKO_URL", ""),
				APIKey:            getEnv("COINGECKO_API_KEY", ""),
				RequestsPerSecond: getEnvFloat("COINGECKO_RPS", 0.5),
			},
			DexScreener: SourceConfig{
				Enabled:           getEnvBool("DEXSCREENER_ENABLED", true),
				BaseURL:           getEnv("DEXSCREENER_URL", ""),
				Chain:             getEnv("DEXSCREENER_CHAIN", "ethereum"),
				RequestsPerSecond: getEnvFloat("DEXSCREENER_RPS", 4),
			},
			CoinCap: SourceConfig{
				Enabled:           getEnvBool("COINCAP_ENABLED", true),
				BaseURL:           getEnv("COINCAP_URL", ""),
				APIKey:            getEnv("COINCAP_API_KEY", ""),
				RequestsPerSecond: getEnvFloat("COINCAP_RPS", 2),
			},
		},
		Kafka: KafkaConfig{
			Broker:       getEnv("KAFKA_BROKER", ""),
			ChangeTopic:  getEnv("KAFKA_CHANGE_TOPIC", "change_events"),
			GroupID:      getEnv("KAFKA_GROUP_ID", "marketlens-invalidation"),
			UpdatesTopic: getEnv("KAFKA_UPDATES_TOPIC", "market_updates"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Pattern:  getEnv("REDIS_CHANGE_PATTERN", "changes:*"),
		},
		PyroscopeServer: getEnv("PYROSCOPE_SERVER", ""),
	}

	if path := getEnv("SOURCES_FILE", ""); path != "" {
		if err := cfg.loadSourcesFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSourcesFile overlays the YAML file on the env settings; keys absent
// from the file keep their current value.
func (c *AppConfig) loadSourcesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sources file: %w", err)
	}
	file := sourcesFile{Sources: c.Sources}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse sources file %s: %w", path, err)
	}
	c.Sources = file.Sources
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if len(c.WatchList) == 0 {
		errs = append(errs, errors.New("WATCH_LIST is empty"))
	}
	if c.Aggregator.Concurrency <= 0 {
		errs = append(errs, errors.New("ADAPTER_CONCURRENCY must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	enabled := 0
	all := c.Sources.All()
	for _, name := range SourceNames {
		s := all[name]
		if !s.Enabled {
			continue
		}
		enabled++
		if s.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s: requests_per_second must not be negative", name))
		}
		for _, raw := range []string{s.BaseURL, s.StreamURL} {
			if raw == "" {
				continue
			}
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
			}
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no source enabled"))
	}
	return errors.Join(errs...)
}

// SourceNames lists the known adapters, highest rank first.
var SourceNames = []string{"binance", "coingecko", "dexscreener", "coincap"}

// All returns the sources keyed by name.
func (s SourcesConfig) All() map[string]SourceConfig {
	return map[string]SourceConfig{
		"binance":     s.Binance,
		"coingecko":   s.CoinGecko,
		"dexscreener": s.DexScreener,
		"coincap":     s.CoinCap,
	}
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("500ms", "2m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
