package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileThenEnvThenDefaults(t *testing.T) {
	t.Setenv("ARCADE_SERVER_PORT", "9090")
	t.Setenv("ARCADE_SYNC_BACKEND_URL", "https://ledger.example.com")
	t.Setenv("ARCADE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PG_PASSWORD", "s3cret")

	path := writeConfig(t, `
log:
  level: debug
server:
  port: 8081
  read_timeout: 7s
postgres:
  password: ${PG_PASSWORD}
sync:
  enabled: true
  max_attempts: 3
rewards:
  games:
    snake: "1.0"
    pinball: "3"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 7*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, "https://ledger.example.com", cfg.Sync.BackendURL)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.InitialInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"snake": "1.0", "pinball": "3"}, cfg.Rewards.Games)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadOrDefaultKeepsEnvWithoutFile(t *testing.T) {
	t.Setenv("ARCADE_SERVER_PORT", "9191")
	t.Setenv("ARCADE_LOCAL_PLAYER_ID", "cabinet-7")

	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "cabinet-7", cfg.Local.PlayerID)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)

	t.Setenv("ARCADE_SYNC_ENABLED", "false")
	cfg, _, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, cfg.Sync.Enabled)

	_, _, err = LoadOrDefault(writeConfig(t, "server: [not a map"))
	assert.Error(t, err, "a broken file is not replaced by defaults")

	cfg, found, err = LoadOrDefault(writeConfig(t, "server:\n  port: 8082\n"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	assert.Equal(t, "127.0.0.1:7070", cfg.Local.Addr)
	assert.Equal(t, DefaultGames, cfg.Rewards.Games)
	assert.Equal(t, "postgres://:@localhost:5432/?sslmode=disable", cfg.Postgres.ConnectionString())

	// the catalogue is copied, not shared
	cfg.Rewards.Games["snake"] = "9"
	assert.Equal(t, "1.0", DefaultGames["snake"])
}
