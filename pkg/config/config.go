package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
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
	Conversation ConversationConfig `json:"conversation"`
	Persistence  PersistenceConfig  `json:"persistence"`
	Channels     ChannelsConfig     `json:"channels"`
	Provider     ProviderConfig     `json:"provider"`
	Archive      ArchiveConfig      `json:"archive"`
	LogLevel     string             `json:"log_level" env:"CHATRELAY_LOG_LEVEL"`
}

type ConversationConfig struct {
	// Depth is the number of past exchanges kept per chat.
	Depth        int                `json:"depth" env:"CHATRELAY_CONVERSATION_DEPTH"`
	MessageLimit MessageLimitConfig `json:"message_limit"`
	// BatchingBufferTime is the quiet window in seconds before a burst of
	// messages from one chat is flushed as a single request.
	BatchingBufferTime float64 `json:"batching_buffer_time" env:"CHATRELAY_CONVERSATION_BATCHING_BUFFER_TIME"`
}

type MessageLimitConfig struct {
	// Count of 0 means unlimited.
	Count  int    `json:"count" env:"CHATRELAY_CONVERSATION_MESSAGE_LIMIT_COUNT"`
	Period string `json:"period" env:"CHATRELAY_CONVERSATION_MESSAGE_LIMIT_PERIOD"` // minute, hour, day
}

type PersistenceConfig struct {
	Path string `json:"path" env:"CHATRELAY_PERSISTENCE_PATH"`
	// IntervalSeconds between scheduled snapshots. Ignored when Cron is set.
	IntervalSeconds int `json:"interval_seconds" env:"CHATRELAY_PERSISTENCE_INTERVAL_SECONDS"`
	// Cron is an optional cron expression for the snapshot schedule.
	Cron string `json:"cron" env:"CHATRELAY_PERSISTENCE_CRON"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"CHATRELAY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CHATRELAY_CHANNELS_DISCORD_ALLOW_FROM"`
	// AllowChats admits whole chats regardless of sender allow list.
	AllowChats FlexibleStringSlice `json:"allow_chats" env:"CHATRELAY_CHANNELS_DISCORD_ALLOW_CHATS"`
	// Admins are exempt from the message limit.
	Admins FlexibleStringSlice `json:"admins" env:"CHATRELAY_CHANNELS_DISCORD_ADMINS"`
}

type ProviderConfig struct {
	APIKey      string  `json:"api_key" env:"CHATRELAY_PROVIDER_API_KEY"`
	APIBase     string  `json:"api_base" env:"CHATRELAY_PROVIDER_API_BASE"`
	Model       string  `json:"model" env:"CHATRELAY_PROVIDER_MODEL"`
	Prompt      string  `json:"prompt" env:"CHATRELAY_PROVIDER_PROMPT"`
	MaxTokens   int     `json:"max_tokens" env:"CHATRELAY_PROVIDER_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"CHATRELAY_PROVIDER_TEMPERATURE"`
	Proxy       string  `json:"proxy,omitempty" env:"CHATRELAY_PROVIDER_PROXY"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled" env:"CHATRELAY_ARCHIVE_ENABLED"`
	Path    string `json:"path" env:"CHATRELAY_ARCHIVE_PATH"`
	// RetentionDays of 0 keeps archived exchanges forever.
	RetentionDays int `json:"retention_days" env:"CHATRELAY_ARCHIVE_RETENTION_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Conversation: ConversationConfig{
			Depth: 3,
			MessageLimit: MessageLimitConfig{
				Count:  0,
				Period: "hour",
			},
			BatchingBufferTime: 1.5,
		},
		Persistence: PersistenceConfig{
			Path:            "~/.chatrelay/state.json",
			IntervalSeconds: 60,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:      "",
				AllowFrom:  FlexibleStringSlice{},
				AllowChats: FlexibleStringSlice{},
				Admins:     FlexibleStringSlice{},
			},
		},
		Provider: ProviderConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			MaxTokens:   2048,
			Temperature: 0.7,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "~/.chatrelay/archive.db",
		},
		LogLevel: "info",
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) validate() error {
	if c.Conversation.Depth < 0 {
		return fmt.Errorf("conversation.depth must be >= 0, got %d", c.Conversation.Depth)
	}
	if c.Conversation.MessageLimit.Count < 0 {
		return fmt.Errorf("conversation.message_limit.count must be >= 0, got %d", c.Conversation.MessageLimit.Count)
	}
	if c.Conversation.BatchingBufferTime < 0 {
		return fmt.Errorf("conversation.batching_buffer_time must be >= 0, got %g", c.Conversation.BatchingBufferTime)
	}
	switch c.Conversation.MessageLimit.Period {
	case "minute", "hour", "day":
	default:
		return fmt.Errorf("conversation.message_limit.period must be minute, hour or day, got %q", c.Conversation.MessageLimit.Period)
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive.retention_days must be >= 0, got %d", c.Archive.RetentionDays)
	}
	return nil
}

// LimitPeriod returns the configured rate-limit window duration.
func (c *Config) LimitPeriod() time.Duration {
	switch c.Conversation.MessageLimit.Period {
	case "minute":
		return time.Minute
	case "day":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// BufferTime returns the batching quiet window as a duration.
func (c *Config) BufferTime() time.Duration {
	return time.Duration(c.Conversation.BatchingBufferTime * float64(time.Second))
}

// SnapshotInterval returns the fixed snapshot interval.
func (c *Config) SnapshotInterval() time.Duration {
	if c.Persistence.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Persistence.IntervalSeconds) * time.Second
}

// PersistencePath returns the snapshot path with ~ expanded.
func (c *Config) PersistencePath() string {
	return expandHome(c.Persistence.Path)
}

// ArchivePath returns the archive database path with ~ expanded.
func (c *Config) ArchivePath() string {
	return expandHome(c.Archive.Path)
}

// ArchiveRetention returns the retention window for archived exchanges.
// Zero means keep forever.
func (c *Config) ArchiveRetention() time.Duration {
	if c.Archive.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Archive.RetentionDays) * 24 * time.Hour
}

func expandHome(path string) string {
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

// Redacted returns a loggable copy with credentials masked.
func (c *Config) Redacted() map[string]interface{} {
	masked := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return ""
		}
		return "***"
	}
	return map[string]interface{}{
		"depth":           c.Conversation.Depth,
		"limit_count":     c.Conversation.MessageLimit.Count,
		"limit_period":    c.Conversation.MessageLimit.Period,
		"buffer_time":     c.Conversation.BatchingBufferTime,
		"persistence":     c.Persistence.Path,
		"archive_enabled": c.Archive.Enabled,
		"model":           c.Provider.Model,
		"api_key":         masked(c.Provider.APIKey),
		"discord_token":   masked(c.Channels.Discord.Token),
	}
}
