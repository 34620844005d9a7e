// Package config loads client settings from the environment and an optional
// YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/client"
	"github.com/omochice/stomp-chat/internal/history"
	"github.com/omochice/stomp-chat/internal/moderation"
	"github.com/omochice/stomp-chat/internal/session"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at the YAML overlay.
const FileEnv = "STOMPCHAT_CONFIG"

// Config aggregates all client settings.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	History    HistoryConfig    `yaml:"history"`
	Session    SessionConfig    `yaml:"session"`
	Moderation ModerationConfig `yaml:"moderation"`
	DataDir    string           `yaml:"dataDir"`
	LogLevel   string           `yaml:"logLevel"`
}

// ServerConfig describes where the broker lives.
type ServerConfig struct {
	APIBase         string        `yaml:"apiBase"`
	WSEndpoint      string        `yaml:"wsEndpoint"`
	Topic           string        `yaml:"topic"`
	SendDestination string        `yaml:"sendDestination"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay"`
	HeartBeat       time.Duration `yaml:"heartBeat"`
}

// HistoryConfig controls the history fetch on connect.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit"`
}

// SessionConfig holds presentation policies of the session.
type SessionConfig struct {
	SystemNotices  bool `yaml:"systemNotices"`
	OptimisticEcho bool `yaml:"optimisticEcho"`
	MaxMessages    int  `yaml:"maxMessages"`
}

// ModerationConfig configures the rate limiter and profanity mask.
type ModerationConfig struct {
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`
	Blocklist  []string      `yaml:"blocklist"`
}

// Load reads the environment, then applies the YAML file named by
// STOMPCHAT_CONFIG if set.
func Load() (*Config, error) {
	cfg, err := loadEnv()
	if err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.History.Limit = history.ClampLimit(cfg.History.Limit)
	return cfg, nil
}

// EndpointURL returns the WebSocket handshake URL.
func (c *Config) EndpointURL() (string, error) {
	return client.EndpointURL(c.Server.APIBase, c.Server.WSEndpoint)
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.APIBase)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid api base %q", c.Server.APIBase)
	}
	if c.Server.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.Server.ReconnectDelay)
	}
	if c.Server.HeartBeat < 0 {
		return fmt.Errorf("heart-beat must not be negative, got %s", c.Server.HeartBeat)
	}
	if c.Session.MaxMessages <= 0 {
		return fmt.Errorf("max messages must be positive, got %d", c.Session.MaxMessages)
	}
	if c.Moderation.RateLimit <= 0 || c.Moderation.RateWindow <= 0 {
		return fmt.Errorf("rate limit needs a positive count and window, got %d per %s",
			c.Moderation.RateLimit, c.Moderation.RateWindow)
	}
	return nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv() (*Config, error) {
	reconnect, err := parseDurationEnv("STOMPCHAT_RECONNECT_DELAY", client.DefaultReconnectDelay)
	if err != nil {
		return nil, err
	}
	heartBeat, err := parseDurationEnv("STOMPCHAT_HEARTBEAT", 0)
	if err != nil {
		return nil, err
	}
	historyEnabled, err := parseBoolEnv("STOMPCHAT_HISTORY", true)
	if err != nil {
		return nil, err
	}
	historyLimit, err := parseIntEnv("STOMPCHAT_HISTORY_LIMIT", history.DefaultLimit)
	if err != nil {
		return nil, err
	}
	notices, err := parseBoolEnv("STOMPCHAT_SYSTEM_NOTICES", true)
	if err != nil {
		return nil, err
	}
	optimistic, err := parseBoolEnv("STOMPCHAT_OPTIMISTIC_ECHO", false)
	if err != nil {
		return nil, err
	}
	maxMessages, err := parseIntEnv("STOMPCHAT_MAX_MESSAGES", chat.DefaultMaxMessages)
	if err != nil {
		return nil, err
	}
	rateLimit, err := parseIntEnv("STOMPCHAT_RATE_LIMIT", moderation.DefaultLimit)
	if err != nil {
		return nil, err
	}
	rateWindow, err := parseDurationEnv("STOMPCHAT_RATE_WINDOW", moderation.DefaultWindow)
	if err != nil {
		return nil, err
	}

	blocklist := moderation.DefaultBlocklist
	if raw := strings.TrimSpace(os.Getenv("STOMPCHAT_BLOCKLIST")); raw != "" {
		blocklist = splitList(raw)
	}

	return &Config{
		Server: ServerConfig{
			APIBase:         getEnvOrDefault("STOMPCHAT_API_BASE", "http://localhost:8080"),
			WSEndpoint:      getEnvOrDefault("STOMPCHAT_WS_ENDPOINT", "/ws-chat"),
			Topic:           getEnvOrDefault("STOMPCHAT_TOPIC", session.DefaultTopic),
			SendDestination: getEnvOrDefault("STOMPCHAT_SEND_DESTINATION", session.DefaultSendDestination),
			ReconnectDelay:  reconnect,
			HeartBeat:       heartBeat,
		},
		History: HistoryConfig{
			Enabled: historyEnabled,
			Limit:   historyLimit,
		},
		Session: SessionConfig{
			SystemNotices:  notices,
			OptimisticEcho: optimistic,
			MaxMessages:    maxMessages,
		},
		Moderation: ModerationConfig{
			RateLimit:  rateLimit,
			RateWindow: rateWindow,
			Blocklist:  blocklist,
		},
		DataDir:  strings.TrimSpace(os.Getenv("STOMPCHAT_DATA_DIR")),
		LogLevel: getEnvOrDefault("STOMPCHAT_LOG_LEVEL", "info"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
