package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Session is the read-only identity of the local user. It is produced by
// the authentication layer and injected into every component that needs
// it; nothing in this module mutates it.
type Session struct {
	UserID      string
	Token       string
	DisplayName string
}

func (s Session) Validate() error {
	if s.UserID == "" {
		return errors.New("session user id is required")
	}
	if s.Token == "" {
		return errors.New("session token is required")
	}
	return nil
}

type Config struct {
	APIBaseURL string
	StreamURL  string

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	AckTimeout     time.Duration
	TypingIdle     time.Duration
	GroupCacheTTL  time.Duration
	UserCacheTTL   time.Duration
	HistoryPageLen int
}

// fileConfig is the TOML shape; durations are strings for time.ParseDuration.
type fileConfig struct {
	APIBaseURL string `toml:"api_base_url"`
	StreamURL  string `toml:"stream_url"`

	ReconnectMaxAttempts int    `toml:"reconnect_max_attempts"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`

	AckTimeout     string `toml:"ack_timeout"`
	TypingIdle     string `toml:"typing_idle"`
	GroupCacheTTL  string `toml:"group_cache_ttl"`
	UserCacheTTL   string `toml:"user_cache_ttl"`
	HistoryPageLen int    `toml:"history_page_len"`
}

// Load reads an optional TOML config file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := &Config{
		APIBaseURL:           fc.APIBaseURL,
		StreamURL:            fc.StreamURL,
		ReconnectMaxAttempts: fc.ReconnectMaxAttempts,
		HistoryPageLen:       fc.HistoryPageLen,
	}

	var err error
	if cfg.ReconnectBaseDelay, err = duration(fc.ReconnectBaseDelay, time.Second); err != nil {
		return nil, fmt.Errorf("reconnect_base_delay: %w", err)
	}
	if cfg.ReconnectMaxDelay, err = duration(fc.ReconnectMaxDelay, 5*time.Second); err != nil {
		return nil, fmt.Errorf("reconnect_max_delay: %w", err)
	}
	if cfg.HeartbeatInterval, err = duration(fc.HeartbeatInterval, time.Minute); err != nil {
		return nil, fmt.Errorf("heartbeat_interval: %w", err)
	}
	if cfg.AckTimeout, err = duration(fc.AckTimeout, 30*time.Second); err != nil {
		return nil, fmt.Errorf("ack_timeout: %w", err)
	}
	if cfg.TypingIdle, err = duration(fc.TypingIdle, 3*time.Second); err != nil {
		return nil, fmt.Errorf("typing_idle: %w", err)
	}
	if cfg.GroupCacheTTL, err = duration(fc.GroupCacheTTL, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("group_cache_ttl: %w", err)
	}
	if cfg.UserCacheTTL, err = duration(fc.UserCacheTTL, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("user_cache_ttl: %w", err)
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = getEnv("VESTNIK_API_URL", "http://localhost:5000")
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = getEnv("VESTNIK_STREAM_URL", "ws://localhost:5000/stream")
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = getEnvInt("VESTNIK_RECONNECT_ATTEMPTS", 5)
	}
	if cfg.HistoryPageLen == 0 {
		cfg.HistoryPageLen = 50
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base URL is required")
	}
	if c.StreamURL == "" {
		return fmt.Errorf("stream URL is required")
	}
	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay %v exceeds max delay %v",
			c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	return nil
}

func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
