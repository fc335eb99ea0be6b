package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. GOVERNATOR_DATABASE_DSN.
const EnvPrefix = "GOVERNATOR"

type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver" envconfig:"DRIVER"`
	DSN          string `yaml:"dsn" toml:"dsn" envconfig:"DSN"`
	MaxOpenConns int    `yaml:"maxOpenConns" toml:"maxOpenConns" envconfig:"MAX_OPEN_CONNS"`
}

type SessionConfig struct {
	Secret string        `yaml:"secret" toml:"secret" envconfig:"SECRET"`
	Issuer string        `yaml:"issuer" toml:"issuer" envconfig:"ISSUER"`
	TTL    time.Duration `yaml:"ttl" toml:"ttl" envconfig:"TTL"`
}

// ChallengeConfig feeds the sign-in message template.
type ChallengeConfig struct {
	Domain       string        `yaml:"domain" toml:"domain" envconfig:"DOMAIN"`
	URI          string        `yaml:"uri" toml:"uri" envconfig:"URI"`
	Statement    string        `yaml:"statement" toml:"statement" envconfig:"STATEMENT"`
	ChainID      int64         `yaml:"chainId" toml:"chainId" envconfig:"CHAIN_ID"`
	TTL          time.Duration `yaml:"ttl" toml:"ttl" envconfig:"TTL"`
	HistoryDepth int           `yaml:"historyDepth" toml:"historyDepth" envconfig:"HISTORY_DEPTH"`
}

type CacheConfig struct {
	Kind          string        `yaml:"kind" toml:"kind" envconfig:"KIND"`
	Path          string        `yaml:"path" toml:"path" envconfig:"PATH"`
	RedisAddr     string        `yaml:"redisAddr" toml:"redisAddr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" toml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redisDB" toml:"redisDB" envconfig:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl" envconfig:"TTL"`
}

type DiscordConfig struct {
	APIBase       string        `yaml:"apiBase" toml:"apiBase" envconfig:"API_BASE"`
	BotToken      string        `yaml:"botToken" toml:"botToken" envconfig:"BOT_TOKEN"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout" envconfig:"TIMEOUT"`
	RetryAttempts int           `yaml:"retryAttempts" toml:"retryAttempts" envconfig:"RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `yaml:"retryDelay" toml:"retryDelay" envconfig:"RETRY_DELAY"`
	AllowedGuilds []string      `yaml:"allowedGuilds" toml:"allowedGuilds" envconfig:"ALLOWED_GUILDS"`
	Cache         CacheConfig   `yaml:"cache" toml:"cache" envconfig:"CACHE"`
}

// Strategy kinds.
const (
	StrategyRemote = "remote"
	StrategyFixed  = "fixed"
)

// StrategyConfig registers one balance source under a token strategy id.
// Remote strategies query URL; fixed strategies serve Allocations.
type StrategyConfig struct {
	ID          string             `yaml:"id" toml:"id"`
	Kind        string             `yaml:"kind" toml:"kind"`
	URL         string             `yaml:"url" toml:"url"`
	Timeout     time.Duration      `yaml:"timeout" toml:"timeout"`
	Allocations []AllocationConfig `yaml:"allocations" toml:"allocations"`
}

// AllocationConfig grants Address a Balance from Height onwards. Balance is a
// base-10 integer.
type AllocationConfig struct {
	Address string `yaml:"address" toml:"address"`
	Height  uint64 `yaml:"height" toml:"height"`
	Balance string `yaml:"balance" toml:"balance"`
}

type InternalConfig struct {
	APIKeys        map[string]string `yaml:"apiKeys" toml:"apiKeys" envconfig:"API_KEYS"`
	NonceStorePath string            `yaml:"nonceStorePath" toml:"nonceStorePath" envconfig:"NONCE_STORE_PATH"`
	AllowedSkew    time.Duration     `yaml:"allowedSkew" toml:"allowedSkew" envconfig:"ALLOWED_SKEW"`
	NonceTTL       time.Duration     `yaml:"nonceTTL" toml:"nonceTTL" envconfig:"NONCE_TTL"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute" envconfig:"PER_MINUTE"`
	Burst             int     `yaml:"burst" toml:"burst" envconfig:"BURST"`
}

type RateLimits struct {
	Challenge RateLimitConfig `yaml:"challenge" toml:"challenge" envconfig:"CHALLENGE"`
	Verify    RateLimitConfig `yaml:"verify" toml:"verify" envconfig:"VERIFY"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	File       string `yaml:"file" toml:"file" envconfig:"FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays" envconfig:"MAX_AGE_DAYS"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint" envconfig:"ENDPOINT"`
	Insecure    bool   `yaml:"insecure" toml:"insecure" envconfig:"INSECURE"`
	Headers     string `yaml:"headers" toml:"headers" envconfig:"HEADERS"`
	Traces      bool   `yaml:"traces" toml:"traces" envconfig:"TRACES"`
	Metrics     bool   `yaml:"metrics" toml:"metrics" envconfig:"METRICS"`
	LogRequests bool   `yaml:"logRequests" toml:"logRequests" envconfig:"LOG_REQUESTS"`
}

type Config struct {
	Listen          string        `yaml:"listen" toml:"listen" envconfig:"LISTEN"`
	Env             string        `yaml:"env" toml:"env" envconfig:"ENV"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" toml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
	MaxConnections  int           `yaml:"maxConnections" toml:"maxConnections" envconfig:"MAX_CONNECTIONS"`

	Database   DatabaseConfig   `yaml:"database" toml:"database" envconfig:"DATABASE"`
	Session    SessionConfig    `yaml:"session" toml:"session" envconfig:"SESSION"`
	Challenge  ChallengeConfig  `yaml:"challenge" toml:"challenge" envconfig:"CHALLENGE"`
	Discord    DiscordConfig    `yaml:"discord" toml:"discord" envconfig:"DISCORD"`
	Strategies []StrategyConfig `yaml:"strategies" toml:"strategies" ignored:"true"`
	Internal   InternalConfig   `yaml:"internal" toml:"internal" envconfig:"INTERNAL"`
	RateLimits RateLimits       `yaml:"rateLimits" toml:"rateLimits" envconfig:"RATE_LIMITS"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry" envconfig:"TELEMETRY"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Listen:          ":8080",
		Env:             "development",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "governator.db",
		},
		Session: SessionConfig{
			Issuer: "governator",
			TTL:    7 * 24 * time.Hour,
		},
		Challenge: ChallengeConfig{
			Domain:       "governator.local",
			URI:          "https://governator.local",
			Statement:    "Sign in with Ethereum to link this wallet to your Governator account.",
			ChainID:      1,
			TTL:          10 * time.Minute,
			HistoryDepth: 16,
		},
		Discord: DiscordConfig{
			APIBase:       "https://discord.com/api/v10",
			Timeout:       5 * time.Second,
			RetryAttempts: 4,
			RetryDelay:    500 * time.Millisecond,
			Cache: CacheConfig{
				Kind: "none",
				TTL:  5 * time.Minute,
			},
		},
		Internal: InternalConfig{
			AllowedSkew: 2 * time.Minute,
			NonceTTL:    10 * time.Minute,
		},
		RateLimits: RateLimits{
			Challenge: RateLimitConfig{RequestsPerMinute: 30, Burst: 5},
			Verify:    RateLimitConfig{RequestsPerMinute: 30, Burst: 5},
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			LogRequests: true,
		},
	}
}

// Load reads path (YAML or TOML by extension), then applies GOVERNATOR_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Discord.Cache.Kind = strings.ToLower(strings.TrimSpace(cfg.Discord.Cache.Kind))
	cfg.Discord.APIBase = strings.TrimRight(strings.TrimSpace(cfg.Discord.APIBase), "/")
	guilds := cfg.Discord.AllowedGuilds[:0]
	for _, id := range cfg.Discord.AllowedGuilds {
		if id = strings.TrimSpace(id); id != "" {
			guilds = append(guilds, id)
		}
	}
	cfg.Discord.AllowedGuilds = guilds
	for i := range cfg.Strategies {
		cfg.Strategies[i].ID = strings.TrimSpace(cfg.Strategies[i].ID)
		cfg.Strategies[i].URL = strings.TrimSpace(cfg.Strategies[i].URL)
		kind := strings.ToLower(strings.TrimSpace(cfg.Strategies[i].Kind))
		if kind == "" {
			kind = StrategyRemote
		}
		cfg.Strategies[i].Kind = kind
	}
}

var ErrSessionSecretMissing = errors.New("session.secret is required")

// Validate checks the settings that would otherwise fail at first use.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Session.Secret) == "" {
		return ErrSessionSecretMissing
	}
	if cfg.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("maxConnections cannot be negative")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	if cfg.Challenge.TTL <= 0 {
		return errors.New("challenge.ttl must be positive")
	}
	if strings.TrimSpace(cfg.Challenge.Domain) == "" {
		return errors.New("challenge.domain is required")
	}
	if cfg.Discord.RetryAttempts < 1 || cfg.Discord.RetryAttempts > 10 {
		return fmt.Errorf("discord.retryAttempts must be within [1,10], got %d", cfg.Discord.RetryAttempts)
	}
	if cfg.Discord.RetryDelay < 0 {
		return errors.New("discord.retryDelay cannot be negative")
	}
	switch cfg.Discord.Cache.Kind {
	case "", "none", "memory":
	case "bolt":
		if strings.TrimSpace(cfg.Discord.Cache.Path) == "" {
			return errors.New("discord.cache.path is required for the bolt cache")
		}
	case "redis":
		if strings.TrimSpace(cfg.Discord.Cache.RedisAddr) == "" {
			return errors.New("discord.cache.redisAddr is required for the redis cache")
		}
	default:
		return fmt.Errorf("discord.cache.kind %q not supported", cfg.Discord.Cache.Kind)
	}
	seen := make(map[string]struct{}, len(cfg.Strategies))
	for i, strategy := range cfg.Strategies {
		if strategy.ID == "" {
			return fmt.Errorf("strategies[%d].id cannot be empty", i)
		}
		switch strategy.Kind {
		case "", StrategyRemote:
			if !strings.HasPrefix(strategy.URL, "http://") && !strings.HasPrefix(strategy.URL, "https://") {
				return fmt.Errorf("strategies[%d].url must be an http(s) URL", i)
			}
		case StrategyFixed:
			if len(strategy.Allocations) == 0 {
				return fmt.Errorf("strategies[%d].allocations cannot be empty for a fixed strategy", i)
			}
		default:
			return fmt.Errorf("strategies[%d].kind %q is not supported", i, strategy.Kind)
		}
		if _, dup := seen[strategy.ID]; dup {
			return fmt.Errorf("strategies[%d].id %q is duplicated", i, strategy.ID)
		}
		seen[strategy.ID] = struct{}{}
	}
	if len(cfg.Internal.APIKeys) > 0 && strings.TrimSpace(cfg.Internal.NonceStorePath) == "" {
		return errors.New("internal.nonceStorePath is required when internal.apiKeys are configured")
	}
	return nil
}
