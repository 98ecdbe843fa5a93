package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the rebuttal service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	GuestTokenTTL time.Duration `mapstructure:"guest_token_ttl"`
	AllowOrigins  []string      `mapstructure:"allow_origins"`
	SecureCookies bool          `mapstructure:"secure_cookies"`

	// TrustedProxies lists the CIDR ranges whose X-Forwarded-For is honoured. Empty means
	// the client address is always the socket peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	for _, cidr := range s.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}
	return nil
}

// LLMConfig selects and configures the generation backend.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // openai or mock
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "mock":
		return nil
	case "openai":
		if strings.TrimSpace(l.APIKey) == "" {
			return fmt.Errorf("llm.api_key required for openai provider")
		}
		return nil
	default:
		return fmt.Errorf("unsupported llm.provider %q", l.Provider)
	}
}

// SearchConfig configures optional web-search grounding.
type SearchConfig struct {
	Provider   string        `mapstructure:"provider"` // brave, serper or empty to disable
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

func (s SearchConfig) Enabled() bool { return strings.TrimSpace(s.Provider) != "" }

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether a Redis host was supplied.
func (r RedisConfig) Configured() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Configured() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// JanitorConfig schedules pruning of expired rate counters.
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadConfig reads the JSON config file at path (or searches the usual locations when path
// is empty), applies REBUTTAL_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("REBUTTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Relay = cfg.Relay.Normalize()
	cfg.Quota = cfg.Quota.Normalize()

	for _, validate := range []func() error{
		cfg.Server.Validate,
		cfg.LLM.Validate,
		cfg.Storage.Postgres.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Quota.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Quota.CounterBackend == CounterBackendRedis && !cfg.Storage.Redis.Configured() {
		return nil, fmt.Errorf("quota.counter_backend=redis requires storage.redis.host")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.guest_token_ttl", 7*24*time.Hour)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 800)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", 10*time.Second)
	v.SetDefault("search.retries", 1)
	v.SetDefault("relay.size_threshold", DefaultFlushSize)
	v.SetDefault("relay.time_threshold", DefaultFlushInterval)
	v.SetDefault("relay.upstream_timeout", DefaultUpstreamTimeout)
	v.SetDefault("relay.diagnostic_turns", 3)
	v.SetDefault("quota.counter_backend", CounterBackendPostgres)
	v.SetDefault("quota.ip.limit", 60)
	v.SetDefault("quota.ip.window", time.Minute)
	v.SetDefault("quota.owner.limit", 20)
	v.SetDefault("quota.owner.window", time.Minute)
	v.SetDefault("quota.turns.guest", 40)
	v.SetDefault("quota.turns.free", 50)
	v.SetDefault("quota.creations.guest", 1)
	v.SetDefault("quota.creations.free", 20)
	v.SetDefault("quota.duplicate_window", 30*time.Second)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "*/15 * * * *")
	v.SetDefault("janitor.lock_ttl", 2*time.Minute)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "rebuttal")
}
