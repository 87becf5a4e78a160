// Package config loads FlowCloser settings from the environment and an optional .env file.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowoff/flowcloser/internal/util"
)

// Default configuration constants
const (
	// DefaultPort is the HTTP port used when neither API_ADDR nor PORT is set.
	DefaultPort = "8042"
	// DefaultStateDir is the default directory for FlowCloser state data
	DefaultStateDir = "/var/lib/flowcloser"
	// DefaultLeadsFileName is the JSON lead file used when LEADS_DSN is empty.
	DefaultLeadsFileName = "leads.json"
	// DefaultWhatsAppProvider matches the Meta Cloud API webhook.
	DefaultWhatsAppProvider = "meta"
	DefaultMirrorBackend    = "none"
	DefaultMinioBucket      = "flowcloser-leads"
	DefaultLogLevel         = "info"
)

// WhatsApp providers.
const (
	WhatsAppProviderMeta      = "meta"
	WhatsAppProviderTwilio    = "twilio"
	WhatsAppProviderWhatsmeow = "whatsmeow"
	WhatsAppProviderNone      = "none"
)

// Mirror backends.
const (
	MirrorNone  = "none"
	MirrorMinio = "minio"
	MirrorKubo  = "kubo"
)

// Config holds every environment-derived setting.
type Config struct {
	APIAddr  string
	StateDir string
	LeadsDSN string
	LogLevel string

	PrimaryModel  string
	FallbackModel string
	OpenAIKey     string
	OpenAIOrg     string
	OpenAIProject string
	GeminiKey     string

	RedisURL   string
	SessionTTL time.Duration

	VerifyToken   string
	AppSecret     string
	AccountsFile  string
	GraphBaseURL  string
	PublicBaseURL string
	PortfolioURL  string

	WhatsAppProvider      string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioWhatsAppFrom    string
	TwilioValidateWebhook bool
	WhatsmeowDSN          string

	MirrorBackend  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool
	KuboAPIURL     string
}

// Load reads configuration from environment variables, after loading .env
// from the working directory when present. Variables already set win over .env.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	cfg := &Config{
		APIAddr:  apiAddr(),
		StateDir: getEnv("FLOWCLOSER_STATE_DIR", DefaultStateDir),
		LeadsDSN: os.Getenv("LEADS_DSN"),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", DefaultLogLevel)),

		PrimaryModel:  getEnv("LLM_MODEL", "gpt-4o"),
		FallbackModel: getEnv("LLM_MODEL_FALLBACK", "gemini-2.5-flash"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIOrg:     os.Getenv("OPENAI_ORG_ID"),
		OpenAIProject: os.Getenv("OPENAI_PROJECT_ID"),
		GeminiKey:     firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"),

		RedisURL:   os.Getenv("REDIS_URL"),
		SessionTTL: getDuration("SESSION_TTL", 0),

		VerifyToken:   getEnv("WEBHOOK_VERIFY_TOKEN", "flowcloser_webhook_neo"),
		AppSecret:     firstEnv("META_APP_SECRET", "INSTAGRAM_APP_SECRET", "FACEBOOK_APP_SECRET"),
		AccountsFile:  os.Getenv("META_ACCOUNTS_FILE"),
		GraphBaseURL:  os.Getenv("META_GRAPH_BASE_URL"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		PortfolioURL:  os.Getenv("PORTFOLIO_URL"),

		WhatsAppProvider:      strings.ToLower(getEnv("WHATSAPP_PROVIDER", DefaultWhatsAppProvider)),
		WhatsAppAccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		TwilioAccountSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppFrom:    os.Getenv("TWILIO_WHATSAPP_FROM"),
		TwilioValidateWebhook: util.ParseBoolEnv("TWILIO_VALIDATE_WEBHOOK", true),
		WhatsmeowDSN:          os.Getenv("WHATSMEOW_DSN"),

		MirrorBackend:  strings.ToLower(getEnv("MIRROR_BACKEND", DefaultMirrorBackend)),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", DefaultMinioBucket),
		MinioSecure:    util.ParseBoolEnv("MINIO_SECURE", true),
		KuboAPIURL:     os.Getenv("KUBO_API_URL"),
	}

	slog.Debug("config.Load: environment variables loaded",
		"API_ADDR", cfg.APIAddr,
		"FLOWCLOSER_STATE_DIR", cfg.StateDir,
		"LEADS_DSN_SET", cfg.LeadsDSN != "",
		"LLM_MODEL", cfg.PrimaryModel,
		"LLM_MODEL_FALLBACK", cfg.FallbackModel,
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"GEMINI_API_KEY_SET", cfg.GeminiKey != "",
		"REDIS_URL_SET", cfg.RedisURL != "",
		"META_APP_SECRET_SET", cfg.AppSecret != "",
		"META_ACCOUNTS_FILE", cfg.AccountsFile,
		"WHATSAPP_PROVIDER", cfg.WhatsAppProvider,
		"MIRROR_BACKEND", cfg.MirrorBackend)

	return cfg
}

// LeadsStoreDSN returns LEADS_DSN, or the JSON lead file inside the state directory.
func (c *Config) LeadsStoreDSN() string {
	if c.LeadsDSN != "" {
		return c.LeadsDSN
	}
	return filepath.Join(c.StateDir, DefaultLeadsFileName)
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// apiAddr prefers API_ADDR, then PORT, then DefaultPort.
func apiAddr() string {
	if addr := os.Getenv("API_ADDR"); addr != "" {
		return addr
	}
	return ":" + getEnv("PORT", DefaultPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config.getDuration: invalid duration, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return d
}
