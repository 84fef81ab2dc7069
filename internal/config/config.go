package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	DefaultVariant            = "turbo"
	DefaultChatModel          = "gpt-4o-mini"
	DefaultCompletionModel    = "gpt-3.5-turbo-instruct"
	DefaultVisionModel        = "gpt-4o-mini"
	DefaultImageModel         = "dall-e-3"
	DefaultTranscriptionModel = "whisper-1"
	DefaultMaxTokens          = 256
	DefaultTemperature        = 1.0
	DefaultFrequencyPenalty   = 1.0
	DefaultTokensThreshold    = 500
	DefaultSpliceThreshold    = 250
	DefaultMaxAttempts        = 3
	DefaultStorageDriver      = "sqlite"
	DefaultACLKey             = "user-acl.json"
	DefaultPurgeSchedule      = "0 0 */6 * * *"
	DefaultBufSize            = 100
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
	DefaultWebAddr            = "127.0.0.1:18790"
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Context  ContextConfig  `json:"context"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	Web      WebConfig      `json:"web"`
	Auth     AuthConfig     `json:"auth"`
	Cache    CacheConfig    `json:"cache"`
	Log      LogConfig      `json:"log"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey" env:"CHATCLAW_API_KEY"`
	BaseURL string `json:"baseUrl,omitempty" env:"CHATCLAW_BASE_URL"`
	// Variant selects the model family: "turbo" (chat) or "davinci" (completion).
	Variant            string  `json:"variant" env:"CHATCLAW_VARIANT"`
	Model              string  `json:"model,omitempty" env:"CHATCLAW_MODEL"`
	VisionModel        string  `json:"visionModel,omitempty" env:"CHATCLAW_VISION_MODEL"`
	ImageModel         string  `json:"imageModel,omitempty" env:"CHATCLAW_IMAGE_MODEL"`
	TranscriptionModel string  `json:"transcriptionModel,omitempty" env:"CHATCLAW_TRANSCRIPTION_MODEL"`
	MaxTokens          int     `json:"maxTokens" env:"CHATCLAW_MAX_TOKENS"`
	Temperature        float64 `json:"temperature" env:"CHATCLAW_TEMPERATURE"`
	FrequencyPenalty   float64 `json:"frequencyPenalty" env:"CHATCLAW_FREQUENCY_PENALTY"`
	PresencePenalty    float64 `json:"presencePenalty" env:"CHATCLAW_PRESENCE_PENALTY"`
}

type ContextConfig struct {
	TokensThreshold int `json:"tokensThreshold" env:"CHATCLAW_TOKENS_THRESHOLD"`
	SpliceThreshold int `json:"spliceThreshold" env:"CHATCLAW_SPLICE_THRESHOLD"`
	MaxAttempts     int `json:"maxAttempts" env:"CHATCLAW_MAX_ATTEMPTS"`
}

type StorageConfig struct {
	Driver string `json:"driver" env:"CHATCLAW_STORAGE_DRIVER"` // sqlite (default), file or memory
	Path   string `json:"path,omitempty" env:"CHATCLAW_STORAGE_PATH"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"CHATCLAW_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"CHATCLAW_TELEGRAM_TOKEN"`
	AllowFrom []string `json:"allowFrom" env:"CHATCLAW_TELEGRAM_ALLOW_FROM" envSeparator:","`
	Proxy     string   `json:"proxy,omitempty" env:"CHATCLAW_TELEGRAM_PROXY"`
}

// WebConfig serves a websocket chat endpoint next to Telegram.
type WebConfig struct {
	Enabled   bool     `json:"enabled" env:"CHATCLAW_WEB_ENABLED"`
	Addr      string   `json:"addr,omitempty" env:"CHATCLAW_WEB_ADDR"`
	AllowFrom []string `json:"allowFrom" env:"CHATCLAW_WEB_ALLOW_FROM" envSeparator:","`
	// Token is a shared secret clients pass as ?token=. Only token holders may
	// pick their own username.
	Token string `json:"token,omitempty" env:"CHATCLAW_WEB_TOKEN"`
}

type AuthConfig struct {
	RestrictUsers bool   `json:"restrictUsers" env:"RESTRICT_USERS"`
	ACLKey        string `json:"aclKey,omitempty" env:"CHATCLAW_ACL_KEY"`
}

type CacheConfig struct {
	// PurgeSchedule is a seconds-first cron spec. Empty disables the purge job.
	PurgeSchedule string `json:"purgeSchedule" env:"CHATCLAW_CACHE_PURGE_SCHEDULE"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"CHATCLAW_LOG_FORMAT"` // console or json
	File   string `json:"file,omitempty" env:"CHATCLAW_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Variant:            DefaultVariant,
			VisionModel:        DefaultVisionModel,
			ImageModel:         DefaultImageModel,
			TranscriptionModel: DefaultTranscriptionModel,
			MaxTokens:          DefaultMaxTokens,
			Temperature:        DefaultTemperature,
			FrequencyPenalty:   DefaultFrequencyPenalty,
		},
		Context: ContextConfig{
			TokensThreshold: DefaultTokensThreshold,
			SpliceThreshold: DefaultSpliceThreshold,
			MaxAttempts:     DefaultMaxAttempts,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Web: WebConfig{
			Addr: DefaultWebAddr,
		},
		Auth: AuthConfig{
			ACLKey: DefaultACLKey,
		},
		Cache: CacheConfig{
			PurgeSchedule: DefaultPurgeSchedule,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig layers defaults, the JSON config file, .env files and the process
// environment, in that order.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	loadDotEnv()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Names used by older deployments.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPEN_AI_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if cfg.Telegram.Token != "" && os.Getenv("CHATCLAW_TELEGRAM_ENABLED") == "" && !cfg.Telegram.Enabled {
		cfg.Telegram.Enabled = true
	}

	cfg.normalize()
	return cfg, nil
}

func loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()

	c.Provider.Variant = strings.ToLower(strings.TrimSpace(c.Provider.Variant))
	if c.Provider.Variant == "" {
		c.Provider.Variant = DefaultVariant
	}
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModelFor(c.Provider.Variant)
	}
	if c.Provider.VisionModel == "" {
		c.Provider.VisionModel = def.Provider.VisionModel
	}
	if c.Provider.ImageModel == "" {
		c.Provider.ImageModel = def.Provider.ImageModel
	}
	if c.Provider.TranscriptionModel == "" {
		c.Provider.TranscriptionModel = def.Provider.TranscriptionModel
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if c.Context.TokensThreshold <= 0 {
		c.Context.TokensThreshold = def.Context.TokensThreshold
	}
	if c.Context.SpliceThreshold <= 0 {
		c.Context.SpliceThreshold = def.Context.SpliceThreshold
	}
	if c.Context.MaxAttempts <= 0 {
		c.Context.MaxAttempts = def.Context.MaxAttempts
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath(c.Storage.Driver)
	}
	if c.Web.Addr == "" {
		c.Web.Addr = def.Web.Addr
	}
	if c.Auth.ACLKey == "" {
		c.Auth.ACLKey = def.Auth.ACLKey
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// DefaultModelFor returns the text model used when none is configured.
func DefaultModelFor(variant string) string {
	if variant == "davinci" {
		return DefaultCompletionModel
	}
	return DefaultChatModel
}

// DefaultStoragePath returns the location records are kept at for driver.
func DefaultStoragePath(driver string) string {
	switch driver {
	case "file":
		return filepath.Join(ConfigDir(), "records")
	case "memory":
		return ""
	default:
		return filepath.Join(ConfigDir(), "data", "chatclaw.db")
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
