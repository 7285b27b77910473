package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MaxConnIdle time.Duration `yaml:"max_conn_idle"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	NotifyPrefix string        `yaml:"notify_prefix"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type EmbeddingConfig struct {
	Provider     string        `yaml:"provider"` // openai|gemini|hash
	Model        string        `yaml:"model"`
	Dimensions   int           `yaml:"dimensions"`
	CacheEntries int64         `yaml:"cache_entries"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type AIConfig struct {
	Provider        string            `yaml:"provider"` // default provider: openai|gemini
	OpenAIKey       string            `yaml:"openai_key"`
	OpenAIBaseURL   string            `yaml:"openai_base_url"`
	GeminiKey       string            `yaml:"gemini_key"`
	GeminiURL       string            `yaml:"gemini_url"`
	ChatModel       string            `yaml:"chat_model"`
	ModelProviders  map[string]string `yaml:"model_providers"` // model -> provider
	MaxOutputTokens int               `yaml:"max_output_tokens"`
	ConcurrentLimit int               `yaml:"concurrent_limit"` // max concurrent AI calls
	Embedding       EmbeddingConfig   `yaml:"embedding"`
}

type AgentConfig struct {
	MessageTimeout   time.Duration `yaml:"message_timeout"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	MemorySize       int           `yaml:"memory_size"`
	HistoryTurns     int           `yaml:"history_turns"`
	MaxHistoryTokens int           `yaml:"max_history_tokens"`
	RetrievalLimit   int           `yaml:"retrieval_limit"`
	MaxDistance      float64       `yaml:"max_distance"`
	Timezone         string        `yaml:"timezone"`
}

type IntegrationsConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	WorkdayStart    int           `yaml:"workday_start"`
	WorkdayEnd      int           `yaml:"workday_end"`
	GmailURL        string        `yaml:"gmail_url"`
	CalendarURL     string        `yaml:"calendar_url"`
	HubspotURL      string        `yaml:"hubspot_url"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	RateLimit       int           `yaml:"rate_limit"` // messages per window per user; 0 disables
	RateWindow      time.Duration `yaml:"rate_window"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TelegramConfig struct {
	Token   string           `yaml:"token"`
	Chats   map[string]int64 `yaml:"chats"` // user id -> chat id
	Workers int              `yaml:"workers"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type Config struct {
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	AI           AIConfig           `yaml:"ai"`
	Agent        AgentConfig        `yaml:"agent"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	HTTP         HTTPConfig         `yaml:"http"`
	Notify       NotifyConfig       `yaml:"notify"`
	Security     SecurityConfig     `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads .env (if present), the yaml file (optional in dev mode) and
// environment overrides, then applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && dev:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_URL")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.HTTP.JWTSecret, "JWT_SECRET")
	setString(&cfg.HTTP.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.Notify.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if v := os.Getenv("AI_CONCURRENT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AI.ConcurrentLimit = n
		}
	}
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Redis.NotifyPrefix == "" {
		cfg.Redis.NotifyPrefix = "agent:notifications"
	}
	cfg.Redis.SnapshotTTL = orDuration(cfg.Redis.SnapshotTTL, 24*time.Hour)
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "advisor-agent"
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai"
		if cfg.AI.OpenAIKey == "" && cfg.AI.GeminiKey != "" {
			cfg.AI.Provider = "gemini"
		}
	}
	if cfg.AI.ChatModel == "" {
		cfg.AI.ChatModel = "gpt-4o-mini"
		if cfg.AI.Provider == "gemini" {
			cfg.AI.ChatModel = "gemini-2.0-flash"
		}
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.Embedding.Provider == "" {
		cfg.AI.Embedding.Provider = cfg.AI.Provider
	}
	if cfg.AI.Embedding.CacheEntries <= 0 {
		cfg.AI.Embedding.CacheEntries = 10_000
	}
	cfg.AI.Embedding.CacheTTL = orDuration(cfg.AI.Embedding.CacheTTL, time.Hour)

	cfg.Agent.MessageTimeout = orDuration(cfg.Agent.MessageTimeout, 60*time.Second)
	cfg.Agent.CycleInterval = orDuration(cfg.Agent.CycleInterval, 30*time.Second)
	cfg.Agent.TaskTimeout = orDuration(cfg.Agent.TaskTimeout, 2*time.Minute)
	cfg.Agent.MemorySize = orInt(cfg.Agent.MemorySize, 10)
	cfg.Agent.HistoryTurns = orInt(cfg.Agent.HistoryTurns, 5)
	cfg.Agent.MaxHistoryTokens = orInt(cfg.Agent.MaxHistoryTokens, 2000)
	cfg.Agent.RetrievalLimit = orInt(cfg.Agent.RetrievalLimit, 10)
	if cfg.Agent.MaxDistance <= 0 {
		cfg.Agent.MaxDistance = 0.5
	}
	if cfg.Agent.Timezone == "" {
		cfg.Agent.Timezone = "UTC"
	}

	cfg.Integrations.Timeout = orDuration(cfg.Integrations.Timeout, 15*time.Second)
	cfg.Integrations.BreakerFailures = orInt(cfg.Integrations.BreakerFailures, 5)
	cfg.Integrations.BreakerCooldown = orDuration(cfg.Integrations.BreakerCooldown, 30*time.Second)
	cfg.Integrations.WorkdayStart = orInt(cfg.Integrations.WorkdayStart, 9)
	cfg.Integrations.WorkdayEnd = orInt(cfg.Integrations.WorkdayEnd, 17)

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	cfg.HTTP.RateWindow = orDuration(cfg.HTTP.RateWindow, time.Minute)
	cfg.HTTP.ReadTimeout = orDuration(cfg.HTTP.ReadTimeout, 15*time.Second)
	// a message may wait the full agent timeout before replying
	cfg.HTTP.WriteTimeout = orDuration(cfg.HTTP.WriteTimeout, cfg.Agent.MessageTimeout+10*time.Second)
	cfg.HTTP.ShutdownTimeout = orDuration(cfg.HTTP.ShutdownTimeout, 20*time.Second)

	cfg.Notify.Telegram.Workers = orInt(cfg.Notify.Telegram.Workers, 4)
}

// Validate enforces what production needs; dev mode runs on in-memory
// storage, the echo model and the hashing embedder.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		return fmt.Errorf("agent.timezone: %w", err)
	}
	if c.Integrations.WorkdayEnd <= c.Integrations.WorkdayStart || c.Integrations.WorkdayEnd > 24 {
		return errors.New("integrations.workday_end must be after workday_start")
	}
	if c.Agent.MaxDistance > 2 {
		return errors.New("agent.max_distance must be within [0, 2]")
	}
	if c.Runtime.Dev {
		return nil
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required")
	}
	if n := len(c.Security.EncryptionKey); n != 16 && n != 24 && n != 32 {
		return errors.New("security.encryption_key must be 16, 24, or 32 bytes")
	}
	if c.AI.OpenAIKey == "" && c.AI.GeminiKey == "" {
		return errors.New("ai.openai_key or ai.gemini_key is required")
	}
	return nil
}

// Location returns the agent's time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Agent.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
