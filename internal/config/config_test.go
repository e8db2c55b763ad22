package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, config.Snapshots.TTL)
	assert.Equal(t, "react-template", config.Templates.Roots["react"])
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "codelattice.yml")

	validConfig := `addr: ":9000"
store:
  backend: sqlite
  path: /tmp/kv.db
  compression: lz4
snapshots:
  ttl: 3h
templates:
  dir: /srv/templates
  roots:
    react: react-template
    vue: vue-template
peers:
  messages_per_second: 50
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0644))

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, ":9000", config.Addr)
	assert.Equal(t, "sqlite", config.Store.Backend)
	assert.Equal(t, "lz4", config.Store.Compression)
	assert.Equal(t, 3*time.Hour, config.Snapshots.TTL)
	assert.Len(t, config.Templates.Roots, 2)
	assert.Equal(t, 50.0, config.Peers.MessagesPerSecond)
	assert.Equal(t, 200, config.Peers.MessageBurst, "unset fields keep defaults")
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/codelattice.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "codelattice.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("store: [unterminated"), 0644))

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                 "3000",
		"LATTICE_STORE":        "sqlite",
		"LATTICE_COMPRESSION":  "lz4",
		"GITHUB_CLIENT_ID":     "id",
		"GITHUB_CLIENT_SECRET": "secret",
	}
	config := Default()
	config.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, ":3000", config.Addr)
	assert.Equal(t, "sqlite", config.Store.Backend)
	assert.Equal(t, "lz4", config.Store.Compression)
	assert.True(t, config.GitHub.Enabled())
	require.NoError(t, config.Validate())

	env["LATTICE_ADDR"] = "127.0.0.1:4000"
	config.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "127.0.0.1:4000", config.Addr, "LATTICE_ADDR wins over PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"unknown compression", func(c *Config) { c.Store.Compression = "brotli" }, "brotli"},
		{"zero ttl", func(c *Config) { c.Snapshots.TTL = 0 }, "snapshots.ttl"},
		{"no roots", func(c *Config) { c.Templates.Roots = nil }, "templates.roots"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
		{"zero burst", func(c *Config) { c.Peers.MessageBurst = 0 }, "peers limits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "project_id", "p1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"project_id":"p1"`)
}
