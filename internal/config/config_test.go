package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Detect.StaleAfter)
	assert.Equal(t, "https://uasdoc.faa.gov", cfg.Registry.BaseURL)
	assert.False(t, cfg.Relay.Enabled)
	assert.Equal(t, 8089, cfg.Relay.Port)

	st := cfg.History.Storage()
	assert.Nil(t, st.Postgres)
	assert.Nil(t, st.ClickHouse)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial:
  - port: /dev/ttyACM0
    baud: 115200
  - port: /dev/ttyACM1
    baud: 57600
detections:
  stale_after: 90s
relay:
  enabled: true
  mode: tcp
  host: tak.local
  port: 8087
history:
  postgres:
    enabled: true
    host: db.local
    database: drones
api:
  port: 8080
  auth: true
  api_keys: [k1, k2]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Serial, 2)
	assert.Equal(t, SerialFeed{Port: "/dev/ttyACM1", BaudRate: 57600}, cfg.Serial[1])
	assert.Equal(t, 90*time.Second, cfg.Detect.StaleAfter)
	assert.Equal(t, 10000, cfg.Detect.MaxHistory, "unset keys keep defaults")
	assert.Equal(t, "tcp", cfg.Relay.Mode)
	assert.Equal(t, "tak.local:8087", cfg.Relay.Addr())
	assert.Equal(t, []string{"k1", "k2"}, cfg.API.APIKeys)

	st := cfg.History.Storage()
	require.NotNil(t, st.Postgres)
	assert.Equal(t, "db.local", st.Postgres.Host)
	assert.Equal(t, "drones", st.Postgres.Database)
	assert.Equal(t, 5432, st.Postgres.Port)
	assert.Nil(t, st.ClickHouse)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MESH_SERIAL_PORTS", "/dev/ttyUSB0, /dev/ttyUSB1")
	t.Setenv("MESH_SERIAL_BAUD", "9600")
	t.Setenv("MESH_STALE_AFTER", "2m")
	t.Setenv("MESH_RELAY_ENABLED", "true")
	t.Setenv("MESH_RELAY_HOST", "10.0.0.5")
	t.Setenv("MESH_API_KEYS", "a,b")
	t.Setenv("POSTGRES_ENABLED", "true")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("MESH_MAX_HISTORY", "not-a-number")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, []SerialFeed{
		{Port: "/dev/ttyUSB0", BaudRate: 9600},
		{Port: "/dev/ttyUSB1", BaudRate: 9600},
	}, cfg.Serial)
	assert.Equal(t, 2*time.Minute, cfg.Detect.StaleAfter)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, "10.0.0.5", cfg.Relay.Host)
	assert.Equal(t, []string{"a", "b"}, cfg.API.APIKeys)
	assert.Equal(t, 10000, cfg.Detect.MaxHistory, "unparseable values are ignored")

	st := cfg.History.Storage()
	require.NotNil(t, st.Postgres)
	assert.Equal(t, 6543, st.Postgres.Port)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MESH_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("MESH_TEST_DOTENV", "")
	os.Unsetenv("MESH_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "from-file", os.Getenv("MESH_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"serial without port", func(c *Config) { c.Serial = []SerialFeed{{BaudRate: 115200}} }},
		{"bad baud", func(c *Config) { c.Serial = []SerialFeed{{Port: "/dev/ttyACM0"}} }},
		{"nats without subject", func(c *Config) { c.NATS = NATSFeed{URL: "nats://localhost:4222"} }},
		{"zero stale", func(c *Config) { c.Detect.StaleAfter = 0 }},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
		{"auth without keys", func(c *Config) { c.API.AuthEnabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
