package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider identifies the LLM backend used to transform message content.
type Provider string

const (
	ProviderClaude     Provider = "claude"
	ProviderOpenAI     Provider = "openai"
	ProviderPerplexity Provider = "perplexity"
)

// ParseProvider normalizes a configuration string to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderClaude:
		return ProviderClaude, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderPerplexity:
		return ProviderPerplexity, nil
	}
	return "", fmt.Errorf("invalid llm.provider %q (must be one of claude, openai, perplexity)", s)
}

// Language is the target language messages are rewritten into.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguageGerman  Language = "german"
	LanguageRussian Language = "russian"
)

// ParseLanguage normalizes a configuration string to a Language.
func ParseLanguage(s string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case LanguageEnglish:
		return LanguageEnglish, nil
	case LanguageGerman:
		return LanguageGerman, nil
	case LanguageRussian:
		return LanguageRussian, nil
	}
	return "", fmt.Errorf("invalid language.target %q (must be one of english, german, russian)", s)
}

// Level is a CEFR proficiency level.
type Level string

const (
	LevelA1 Level = "a1"
	LevelA2 Level = "a2"
	LevelB1 Level = "b1"
	LevelB2 Level = "b2"
	LevelC1 Level = "c1"
	LevelC2 Level = "c2"
)

// ParseLevel normalizes a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2:
		return l, nil
	}
	return "", fmt.Errorf("invalid language.level %q (must be a CEFR level a1-c2)", s)
}

// SourceEmail holds connection and fetch policy for the source mailbox.
type SourceEmail struct {
	Address     string `mapstructure:"address"`
	AppPassword string `mapstructure:"app_password"`
	IMAPServer  string `mapstructure:"imap_server"`
	IMAPPort    int    `mapstructure:"imap_port"`
	FetchDays   int    `mapstructure:"fetch_days"`
	MarkAsRead  bool   `mapstructure:"mark_as_read"`
}

// TargetEmail holds connection and delivery policy for the destination relay.
type TargetEmail struct {
	Address           string  `mapstructure:"address"`
	SMTPServer        string  `mapstructure:"smtp_server"`
	SMTPPort          int     `mapstructure:"smtp_port"`
	SMTPUser          string  `mapstructure:"smtp_user"`
	SMTPPassword      string  `mapstructure:"smtp_password"`
	SenderName        string  `mapstructure:"sender_name"`
	RetryCount        int     `mapstructure:"retry_count"`
	RetryDelaySeconds float64 `mapstructure:"retry_delay"`
}

// RetryDelay returns the configured pause between delivery attempts.
func (t TargetEmail) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds * float64(time.Second))
}

// LLM holds the completion backend selection and request parameters.
type LLM struct {
	Provider    Provider `mapstructure:"provider"`
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature float64  `mapstructure:"temperature"`
}

// LanguageTarget selects the language and proficiency level of the output.
type LanguageTarget struct {
	Target Language `mapstructure:"target"`
	Level  Level    `mapstructure:"level"`
}

// Schedule configures the daily trigger of the daemon.
type Schedule struct {
	Time     string `mapstructure:"time"`
	Timezone string `mapstructure:"timezone"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Logging configures the slog handler.
type Logging struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config is the full, validated application configuration. It is constructed
// once by Load and treated as read-only afterwards.
type Config struct {
	SourceEmail SourceEmail    `mapstructure:"source_email"`
	LLM         LLM            `mapstructure:"llm"`
	Language    LanguageTarget `mapstructure:"language"`
	TargetEmail TargetEmail    `mapstructure:"target_email"`
	Schedule    Schedule       `mapstructure:"schedule"`
	Logging     Logging        `mapstructure:"logging"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("source_email.imap_server", "imap.gmail.com")
	v.SetDefault("source_email.imap_port", 993)
	v.SetDefault("source_email.fetch_days", 1)
	v.SetDefault("source_email.mark_as_read", true)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("target_email.sender_name", "Mailglot")
	v.SetDefault("target_email.retry_count", 3)
	v.SetDefault("target_email.retry_delay", 300.0)
	v.SetDefault("schedule.time", "12:00")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.file", "logs/mailglot.log")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalize coerces free-form enum strings to their canonical variants.
// Unknown values fail loading instead of falling back to a default.
func normalize(cfg *Config) error {
	provider, err := ParseProvider(string(cfg.LLM.Provider))
	if err != nil {
		return err
	}
	cfg.LLM.Provider = provider

	target, err := ParseLanguage(string(cfg.Language.Target))
	if err != nil {
		return err
	}
	cfg.Language.Target = target

	level, err := ParseLevel(string(cfg.Language.Level))
	if err != nil {
		return err
	}
	cfg.Language.Level = level

	return nil
}

func validate(cfg *Config) error {
	if cfg.SourceEmail.Address == "" {
		return fmt.Errorf("source_email.address is required")
	}
	if cfg.SourceEmail.AppPassword == "" {
		return fmt.Errorf("source_email.app_password is required")
	}
	if cfg.SourceEmail.IMAPPort <= 0 || cfg.SourceEmail.IMAPPort > 65535 {
		return fmt.Errorf("source_email.imap_port must be between 1 and 65535")
	}
	if cfg.SourceEmail.FetchDays < 0 {
		return fmt.Errorf("source_email.fetch_days must not be negative")
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if cfg.TargetEmail.Address == "" {
		return fmt.Errorf("target_email.address is required")
	}
	if cfg.TargetEmail.SMTPServer == "" {
		return fmt.Errorf("target_email.smtp_server is required")
	}
	if cfg.TargetEmail.SMTPPort <= 0 || cfg.TargetEmail.SMTPPort > 65535 {
		return fmt.Errorf("target_email.smtp_port must be between 1 and 65535")
	}
	if cfg.TargetEmail.SMTPUser == "" {
		return fmt.Errorf("target_email.smtp_user is required")
	}
	if cfg.TargetEmail.RetryCount < 0 {
		return fmt.Errorf("target_email.retry_count must not be negative")
	}
	if cfg.TargetEmail.RetryDelaySeconds < 0 {
		return fmt.Errorf("target_email.retry_delay must not be negative")
	}
	if _, err := ParseScheduleTime(cfg.Schedule.Time); err != nil {
		return err
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	return nil
}

// ParseScheduleTime parses a "HH:MM" wall-clock trigger time.
func ParseScheduleTime(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule.time %q (expected HH:MM): %w", s, err)
	}
	return t, nil
}
