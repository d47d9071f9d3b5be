package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	// Isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Admission.RateLimitRequests)
	assert.Equal(t, 300, cfg.Admission.RateLimitWindowSeconds)
	assert.Equal(t, []string{"http", "https"}, cfg.Admission.AllowedSchemes)
	assert.Equal(t, 5000, cfg.Admission.MaxInstructionsLength)
	assert.NotEmpty(t, cfg.Admission.DeniedInstructionPatterns)
	assert.NotEmpty(t, cfg.Admission.RepoHostPatterns)
	assert.Equal(t, 10, cfg.Scan.AgentGraceSeconds)
	assert.Zero(t, cfg.Scan.MaxDurationSeconds)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.toml")
	content := `
[server]
port = 9000

[scan]
agent_command = "scanner --json"
max_duration_seconds = 3600

[admission]
rate_limit_requests = 5
rate_limit_window_seconds = 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "scanner --json", cfg.Scan.AgentCommand)
	assert.Equal(t, 3600, cfg.Scan.MaxDurationSeconds)
	assert.Equal(t, 5, cfg.Admission.RateLimitRequests)
	assert.Equal(t, 60, cfg.Admission.RateLimitWindowSeconds)

	// Defaults still apply to unset keys
	assert.Equal(t, []string{"http", "https"}, cfg.Admission.AllowedSchemes)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.toml")
	require.NoError(t, os.WriteFile(path, []byte("[admission]\nrate_limit_requests = 20\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	w.debouncePeriod = 10 * time.Millisecond
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[admission]\nrate_limit_requests = 3\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3, cfg.Admission.RateLimitRequests)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}
