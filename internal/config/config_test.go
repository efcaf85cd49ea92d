package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
station:
  id: CAJA-02
  secret: super-secret
  expiry_window: 720h
sync:
  interval: 1m
  batch_size: 50
remote:
  base_url: https://ledger.example.com
  api_key: key-123
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "CAJA-02", cfg.Station.ID)
	assert.Equal(t, "super-secret", cfg.Station.Secret)
	assert.Equal(t, 720*time.Hour, cfg.Station.ExpiryWindow)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "https://ledger.example.com", cfg.Remote.BaseURL)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
station:
  secret: super-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "CAJA-01", cfg.Station.ID)
	assert.Equal(t, "PREV", cfg.Station.CodePrefix)
	assert.Equal(t, 365*24*time.Hour, cfg.Station.ExpiryWindow)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "data/station.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Remote.BaseURL, "offline-only by default")
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("TITO_STATION_SECRET", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Station.Secret)
}

func TestLoadRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
station:
  id: CAJA-03
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "station.secret")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8090},
			Database: DatabaseConfig{Path: "data/station.db"},
			Station: StationConfig{
				ID:           "CAJA-01",
				Secret:       "secret",
				ExpiryWindow: time.Hour,
			},
			Sync: SyncConfig{Interval: time.Minute, BatchSize: 10},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Server.Port = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Database.Path = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Station.ExpiryWindow = -time.Hour
	assert.Error(t, c.Validate())

	c = base()
	c.Sync.BatchSize = 0
	assert.Error(t, c.Validate())
}
