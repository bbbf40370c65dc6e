package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so phone-number style ids can be written as 966500000000 or "966500000000".
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Bot          BotConfig          `json:"bot"`
	Session      SessionConfig      `json:"session"`
	Transport    TransportConfig    `json:"transport"`
	Conversation ConversationConfig `json:"conversation"`
	Providers    ProvidersConfig    `json:"providers"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	AutoReply    AutoReplyConfig    `json:"auto_reply"`
	Gateway      GatewayConfig      `json:"gateway"`
	Log          LogConfig          `json:"log"`
	mu           sync.RWMutex
}

type BotConfig struct {
	Name          string              `json:"name" env:"RELAYBOT_BOT_NAME"`
	Prefix        string              `json:"prefix" env:"RELAYBOT_BOT_PREFIX"`
	Admins        FlexibleStringSlice `json:"admins" env:"RELAYBOT_BOT_ADMINS"`
	MaxConcurrent int                 `json:"max_concurrent" env:"RELAYBOT_BOT_MAX_CONCURRENT"`
	Messages      MessagesConfig      `json:"messages"`
}

// MessagesConfig holds the fixed user-facing texts.
type MessagesConfig struct {
	Fallback       string `json:"fallback" env:"RELAYBOT_BOT_MESSAGES_FALLBACK"`
	UnknownCommand string `json:"unknown_command" env:"RELAYBOT_BOT_MESSAGES_UNKNOWN_COMMAND"`
	Unauthorized   string `json:"unauthorized" env:"RELAYBOT_BOT_MESSAGES_UNAUTHORIZED"`
	CommandFailed  string `json:"command_failed" env:"RELAYBOT_BOT_MESSAGES_COMMAND_FAILED"`
	AIUnavailable  string `json:"ai_unavailable" env:"RELAYBOT_BOT_MESSAGES_AI_UNAVAILABLE"`
	// NoMatch answers text nothing else handled. Empty means stay silent.
	NoMatch string `json:"no_match" env:"RELAYBOT_BOT_MESSAGES_NO_MATCH"`
}

type SessionConfig struct {
	CredentialsPath      string `json:"credentials_path" env:"RELAYBOT_SESSION_CREDENTIALS_PATH"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts" env:"RELAYBOT_SESSION_MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelayMS     int    `json:"reconnect_delay_ms" env:"RELAYBOT_SESSION_RECONNECT_DELAY_MS"`
	ShutdownGraceMS      int    `json:"shutdown_grace_ms" env:"RELAYBOT_SESSION_SHUTDOWN_GRACE_MS"`
}

type TransportConfig struct {
	Kind      string              `json:"kind" env:"RELAYBOT_TRANSPORT_KIND"` // bridge | discord | console
	BridgeURL string              `json:"bridge_url" env:"RELAYBOT_TRANSPORT_BRIDGE_URL"`
	Discord   DiscordConfig       `json:"discord"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"RELAYBOT_TRANSPORT_ALLOW_FROM"`
}

type DiscordConfig struct {
	Token string `json:"token" env:"RELAYBOT_TRANSPORT_DISCORD_TOKEN"`
}

type ConversationConfig struct {
	AIEnabled    bool   `json:"ai_enabled" env:"RELAYBOT_CONVERSATION_AI_ENABLED"`
	HistoryCap   int    `json:"history_cap" env:"RELAYBOT_CONVERSATION_HISTORY_CAP"`
	SystemPrompt string `json:"system_prompt" env:"RELAYBOT_CONVERSATION_SYSTEM_PROMPT"`
	Checkpoint   bool   `json:"checkpoint" env:"RELAYBOT_CONVERSATION_CHECKPOINT"`
}

type ProvidersConfig struct {
	Active      string         `json:"active" env:"RELAYBOT_PROVIDERS_ACTIVE"`
	Model       string         `json:"model" env:"RELAYBOT_PROVIDERS_MODEL"`
	MaxTokens   int            `json:"max_tokens" env:"RELAYBOT_PROVIDERS_MAX_TOKENS"`
	Temperature float64        `json:"temperature" env:"RELAYBOT_PROVIDERS_TEMPERATURE"`
	OpenRouter  ProviderConfig `json:"openrouter" envPrefix:"RELAYBOT_PROVIDERS_OPENROUTER_"`
	OpenAI      ProviderConfig `json:"openai" envPrefix:"RELAYBOT_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

type StorageConfig struct {
	Path string `json:"path" env:"RELAYBOT_STORAGE_PATH"`
}

type SchedulerConfig struct {
	Timezone         string            `json:"timezone" env:"RELAYBOT_SCHEDULER_TIMEZONE"`
	BroadcastDelayMS int               `json:"broadcast_delay_ms" env:"RELAYBOT_SCHEDULER_BROADCAST_DELAY_MS"`
	Broadcasts       []BroadcastConfig `json:"broadcasts"`
}

type BroadcastConfig struct {
	Name       string `json:"name"`
	Cron       string `json:"cron"`
	Message    string `json:"message"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
}

type AutoReplyConfig struct {
	Rules []AutoReplyRuleConfig `json:"rules"`
}

type AutoReplyRuleConfig struct {
	Keyword  string `json:"keyword"`
	Strategy string `json:"strategy"`
	Response string `json:"response"`
	Priority int    `json:"priority"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"RELAYBOT_GATEWAY_HOST"`
	Port int    `json:"port" env:"RELAYBOT_GATEWAY_PORT"`
}

type LogConfig struct {
	Level  string `json:"level" env:"RELAYBOT_LOG_LEVEL"`
	Format string `json:"format" env:"RELAYBOT_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:          "relaybot",
			Prefix:        "/",
			Admins:        FlexibleStringSlice{},
			MaxConcurrent: 8,
			Messages: MessagesConfig{
				Fallback:       "Something went wrong while handling your message. Please try again later.",
				UnknownCommand: "Unknown command. Send /help to see the available commands.",
				Unauthorized:   "You are not allowed to run this command.",
				CommandFailed:  "The command failed. Please try again later.",
				AIUnavailable:  "Sorry, I could not answer right now. Please try again later.",
				NoMatch:        "Sorry, I didn't understand that. Send /help to see what I can do.",
			},
		},
		Session: SessionConfig{
			CredentialsPath:      "~/.relaybot/state/credentials.json",
			MaxReconnectAttempts: 5,
			ReconnectDelayMS:     5000,
			ShutdownGraceMS:      10000,
		},
		Transport: TransportConfig{
			Kind:      "bridge",
			BridgeURL: "ws://127.0.0.1:8765/session",
			AllowFrom: FlexibleStringSlice{},
		},
		Conversation: ConversationConfig{
			AIEnabled:    false,
			HistoryCap:   10,
			SystemPrompt: "You are a helpful assistant. Be concise, friendly and clear.",
			Checkpoint:   true,
		},
		Providers: ProvidersConfig{
			Active:      "openrouter",
			MaxTokens:   500,
			Temperature: 0.7,
		},
		Storage: StorageConfig{
			Path: "~/.relaybot/state/relaybot.db",
		},
		Scheduler: SchedulerConfig{
			Timezone:         "UTC",
			BroadcastDelayMS: 1000,
			Broadcasts:       []BroadcastConfig{},
		},
		AutoReply: AutoReplyConfig{
			Rules: []AutoReplyRuleConfig{
				{Keyword: "hello", Strategy: "contains", Response: "Hello! How can I help you today?"},
				{Keyword: "thanks", Strategy: "contains", Response: "You're welcome!"},
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults and then applies RELAYBOT_* env overrides.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) CredentialsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Session.CredentialsPath)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.Path)
}

func (c *Config) ReconnectDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Session.ReconnectDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.Session.ReconnectDelayMS) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Session.ShutdownGraceMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Session.ShutdownGraceMS) * time.Millisecond
}

// BroadcastDelay is the pause between two sends of one broadcast.
func (c *Config) BroadcastDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Scheduler.BroadcastDelayMS < 0 {
		return 0
	}
	return time.Duration(c.Scheduler.BroadcastDelayMS) * time.Millisecond
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	c.mu.RUnlock()
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports the settings the gateway cannot run without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.TrimSpace(c.Bot.Prefix) == "" {
		return fmt.Errorf("bot.prefix must not be empty")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport.Kind)) {
	case "bridge":
		if strings.TrimSpace(c.Transport.BridgeURL) == "" {
			return fmt.Errorf("transport.bridge_url is required for the bridge transport")
		}
	case "discord":
		if strings.TrimSpace(c.Transport.Discord.Token) == "" {
			return fmt.Errorf("transport.discord.token is required in config or RELAYBOT_TRANSPORT_DISCORD_TOKEN")
		}
	case "console":
	default:
		return fmt.Errorf("unsupported transport kind %q", c.Transport.Kind)
	}
	return nil
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
