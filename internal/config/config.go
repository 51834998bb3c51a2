package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

// Busy policies applied when a conversation has no free in-flight slot
const (
	BusyPolicyReject = "reject"
	BusyPolicyQueue  = "queue"
)

// Logical service names used by the rate limiter
const (
	ServiceChat  = "chat"
	ServiceImage = "image"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Models     ModelsConfig     `mapstructure:"models"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Context    ContextConfig    `mapstructure:"context"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Traffic    TrafficConfig    `mapstructure:"traffic"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
	MentionWords  []string      `mapstructure:"mention_words"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

type ModelsConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	ChatModel   string  `mapstructure:"chat_model"`
	ImageModel  string  `mapstructure:"image_model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type DispatcherConfig struct {
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	BusyPolicy    string        `mapstructure:"busy_policy"`
	QueueSize     int           `mapstructure:"queue_size"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

type RateLimitConfig struct {
	Services        map[string]BucketConfig `mapstructure:"services"`
	PerConversation ConversationBucket      `mapstructure:"per_conversation"`
}

type BucketConfig struct {
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

type ConversationBucket struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

type ContextConfig struct {
	MaxTurns     int           `mapstructure:"max_turns"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
	SweepCron    string        `mapstructure:"sweep_cron"`
}

type LedgerConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	Type          string      `mapstructure:"type"`
	InitialCredit int64       `mapstructure:"initial_credit"`
	Overdraft     int64       `mapstructure:"overdraft"`
	Owner         string      `mapstructure:"owner"`
	Redis         RedisConfig `mapstructure:"redis"`
	Bolt          BoltConfig  `mapstructure:"bolt"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type TrafficConfig struct {
	LowTrafficChats []int64       `mapstructure:"low_traffic_chats"`
	Window          time.Duration `mapstructure:"window"`
	Threshold       int           `mapstructure:"threshold"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// SetDefaults registers a default for every configurable value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bot.update_timeout", 60)

	v.SetDefault("models.base_url", "https://api.openai.com/v1")
	v.SetDefault("models.chat_model", "gpt-4o-mini")
	v.SetDefault("models.image_model", "dall-e-3")
	v.SetDefault("models.max_tokens", 1024)
	v.SetDefault("models.temperature", 0.7)

	v.SetDefault("dispatcher.max_in_flight", 1)
	v.SetDefault("dispatcher.busy_policy", BusyPolicyReject)
	v.SetDefault("dispatcher.queue_size", 2)
	v.SetDefault("dispatcher.shutdown_grace", 10*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 8*time.Second)
	v.SetDefault("retry.jitter", 1.0)
	v.SetDefault("retry.request_deadline", 2*time.Minute)
	v.SetDefault("retry.attempt_timeout", 60*time.Second)

	v.SetDefault("rate_limit.services.chat.requests_per_minute", 60)
	v.SetDefault("rate_limit.services.chat.burst", 10)
	v.SetDefault("rate_limit.services.image.requests_per_minute", 7)
	v.SetDefault("rate_limit.services.image.burst", 10)
	v.SetDefault("rate_limit.per_conversation.enabled", false)
	v.SetDefault("rate_limit.per_conversation.requests_per_minute", 20)
	v.SetDefault("rate_limit.per_conversation.burst", 5)

	v.SetDefault("context.max_turns", 20)
	v.SetDefault("context.idle_ttl", 24*time.Hour)
	v.SetDefault("context.sweep_cron", "*/5 * * * *")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.type", "memory")
	v.SetDefault("ledger.initial_credit", 500_000)
	v.SetDefault("ledger.overdraft", 0)
	v.SetDefault("ledger.bolt.path", "data/ledger.bolt")

	v.SetDefault("traffic.window", 10*time.Minute)
	v.SetDefault("traffic.threshold", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en"})
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Enable environment variable substitution
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Defaults and environment only
	}

	v.BindEnv("bot.token", "BOT_TOKEN")
	v.BindEnv("models.api_key", "OPENAI_API_KEY")
	v.BindEnv("models.base_url", "OPENAI_BASE_URL")
	v.BindEnv("ledger.redis.password", "REDIS_PASSWORD")
	v.BindEnv("ledger.redis.db", "REDIS_DB")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Ledger.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	// Low traffic chats may also come from a comma separated env var
	if chats := os.Getenv("LOW_TRAFFIC_CHATS"); chats != "" {
		for _, raw := range strings.Split(chats, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid LOW_TRAFFIC_CHATS entry %q: %w", raw, err)
			}
			config.Traffic.LowTrafficChats = append(config.Traffic.LowTrafficChats, id)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.Models.APIKey == "" {
		return fmt.Errorf("model api key is required")
	}
	if cfg.Context.MaxTurns <= 0 {
		return fmt.Errorf("context.max_turns must be positive, got %d", cfg.Context.MaxTurns)
	}
	if cfg.Dispatcher.MaxInFlight <= 0 {
		return fmt.Errorf("dispatcher.max_in_flight must be positive, got %d", cfg.Dispatcher.MaxInFlight)
	}
	switch cfg.Dispatcher.BusyPolicy {
	case BusyPolicyReject:
	case BusyPolicyQueue:
		if cfg.Dispatcher.QueueSize <= 0 {
			return fmt.Errorf("dispatcher.queue_size must be positive with the queue policy")
		}
	default:
		return fmt.Errorf("unknown dispatcher.busy_policy %q", cfg.Dispatcher.BusyPolicy)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	if cfg.Retry.RequestDeadline <= 0 {
		return fmt.Errorf("retry.request_deadline must be positive")
	}
	for _, name := range []string{ServiceChat, ServiceImage} {
		bucket, ok := cfg.RateLimit.Services[name]
		if !ok {
			return fmt.Errorf("rate_limit.services.%s is required", name)
		}
		if bucket.RequestsPerMinute <= 0 || bucket.Burst <= 0 {
			return fmt.Errorf("rate_limit.services.%s needs a positive rate and burst", name)
		}
	}
	switch cfg.Ledger.Type {
	case "memory", "redis", "bolt":
	default:
		return fmt.Errorf("unsupported ledger type: %s", cfg.Ledger.Type)
	}
	if cfg.Context.SweepCron != "" && !gronx.New().IsValid(cfg.Context.SweepCron) {
		return fmt.Errorf("invalid context.sweep_cron %q", cfg.Context.SweepCron)
	}
	return nil
}
