package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", cfg.APIBaseURL)
	assert.Equal(t, "ws://localhost:5000/stream", cfg.StreamURL)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.AckTimeout)
	assert.Equal(t, 3*time.Second, cfg.TypingIdle)
	assert.Equal(t, 5*time.Minute, cfg.GroupCacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.UserCacheTTL)
	assert.Equal(t, 50, cfg.HistoryPageLen)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vestnik.toml")
	data := `
api_base_url = "https://chat.example.com"
stream_url = "wss://chat.example.com/stream"
reconnect_max_attempts = 10
reconnect_base_delay = "500ms"
reconnect_max_delay = "10s"
ack_timeout = "45s"
history_page_len = 100
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://chat.example.com/stream", cfg.StreamURL)
	assert.Equal(t, 10, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 45*time.Second, cfg.AckTimeout)
	assert.Equal(t, 100, cfg.HistoryPageLen)
	// Unset values keep their defaults.
	assert.Equal(t, 3*time.Second, cfg.TypingIdle)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VESTNIK_API_URL", "https://env.example.com")
	t.Setenv("VESTNIK_STREAM_URL", "wss://env.example.com/stream")
	t.Setenv("VESTNIK_RECONNECT_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://env.example.com/stream", cfg.StreamURL)
	assert.Equal(t, 7, cfg.ReconnectMaxAttempts)
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vestnik.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ack_timeout = "not-a-duration"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack_timeout")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateDelayOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vestnik.toml")
	data := `
reconnect_base_delay = "10s"
reconnect_max_delay = "1s"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max delay")
}

func TestSessionValidate(t *testing.T) {
	assert.Error(t, Session{}.Validate())
	assert.Error(t, Session{UserID: "me"}.Validate())
	assert.Error(t, Session{Token: "t"}.Validate())
	assert.NoError(t, Session{UserID: "me", Token: "t"}.Validate())
}
