// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/manpreetbhatti/codelattice/internal/codec"
)

// Config is the top-level server configuration
type Config struct {
	Addr      string          `yaml:"addr"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Templates TemplateConfig  `yaml:"templates"`
	Peers     PeerConfig      `yaml:"peers"`
	Retention RetentionConfig `yaml:"retention"`
	GitHub    GitHubConfig    `yaml:"github"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig locates the project and user datastore
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig selects the durable key/value store
type StoreConfig struct {
	Backend     string `yaml:"backend"` // redis or sqlite
	RedisURL    string `yaml:"redis_url"`
	Path        string `yaml:"path"` // sqlite file when backend is sqlite
	Compression string `yaml:"compression"`
}

type SnapshotConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type TemplateConfig struct {
	Dir            string            `yaml:"dir"`
	Roots          map[string]string `yaml:"roots"` // framework -> directory under Dir
	MemoryCapacity int               `yaml:"memory_capacity"`
	MemoryTTL      time.Duration     `yaml:"memory_ttl"`
	DurableTTL     time.Duration     `yaml:"durable_ttl"`
}

type PeerConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
	SendBuffer        int     `yaml:"send_buffer"`
}

type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type GitHubConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether GitHub login is configured.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

func Default() *Config {
	return &Config{
		Addr: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path: "./data/codelattice.db",
		},
		Store: StoreConfig{
			Backend:     "redis",
			RedisURL:    "redis://localhost:6379/0",
			Path:        "./data/kv.db",
			Compression: "zstd",
		},
		Snapshots: SnapshotConfig{
			TTL: 2 * time.Hour,
		},
		Templates: TemplateConfig{
			Dir:            "./templates",
			Roots:          map[string]string{"react": "react-template"},
			MemoryCapacity: 64,
			MemoryTTL:      10 * time.Minute,
			DurableTTL:     time.Hour,
		},
		Peers: PeerConfig{
			MessagesPerSecond: 100,
			MessageBurst:      200,
			SendBuffer:        512,
		},
		Retention: RetentionConfig{
			Interval: 30 * time.Minute,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML")
		}
	}

	config.applyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Addr = ":" + port
	}
	set("LATTICE_ADDR", &c.Addr)
	set("LATTICE_LOG_LEVEL", &c.Log.Level)
	set("LATTICE_DB_PATH", &c.Database.Path)
	set("LATTICE_STORE", &c.Store.Backend)
	set("LATTICE_REDIS_URL", &c.Store.RedisURL)
	set("LATTICE_STORE_PATH", &c.Store.Path)
	set("LATTICE_COMPRESSION", &c.Store.Compression)
	set("LATTICE_TEMPLATES_DIR", &c.Templates.Dir)
	set("GITHUB_CLIENT_ID", &c.GitHub.ClientID)
	set("GITHUB_CLIENT_SECRET", &c.GitHub.ClientSecret)
	set("GITHUB_REDIRECT_URL", &c.GitHub.RedirectURL)
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}

	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	default:
		return errors.Errorf("unknown store backend '%s' (valid: 'redis', 'sqlite')", c.Store.Backend)
	}
	if _, err := codec.ByName(c.Store.Compression); err != nil {
		return err
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Templates.Dir == "" {
		return errors.New("templates.dir is required")
	}
	if len(c.Templates.Roots) == 0 {
		return errors.New("templates.roots must name at least one framework")
	}

	for name, d := range map[string]time.Duration{
		"snapshots.ttl":         c.Snapshots.TTL,
		"templates.memory_ttl":  c.Templates.MemoryTTL,
		"templates.durable_ttl": c.Templates.DurableTTL,
		"retention.interval":    c.Retention.Interval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.Templates.MemoryCapacity <= 0 {
		return errors.New("templates.memory_capacity must be positive")
	}
	if c.Peers.MessagesPerSecond <= 0 || c.Peers.MessageBurst <= 0 || c.Peers.SendBuffer <= 0 {
		return errors.New("peers limits must be positive")
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format '%s' (valid: 'text', 'json')", c.Log.Format)
	}

	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, errors.Errorf("invalid log level '%s'", l.Level)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
