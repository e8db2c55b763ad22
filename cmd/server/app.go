package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/api"
	"github.com/manpreetbhatti/codelattice/internal/auth"
	"github.com/manpreetbhatti/codelattice/internal/codec"
	"github.com/manpreetbhatti/codelattice/internal/config"
	"github.com/manpreetbhatti/codelattice/internal/db"
	"github.com/manpreetbhatti/codelattice/internal/project"
	"github.com/manpreetbhatti/codelattice/internal/ratelimit"
	"github.com/manpreetbhatti/codelattice/internal/retention"
	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/session"
	"github.com/manpreetbhatti/codelattice/internal/snapshot"
	"github.com/manpreetbhatti/codelattice/internal/store"
	"github.com/manpreetbhatti/codelattice/internal/template"
	"github.com/manpreetbhatti/codelattice/internal/ws"
)

// Provisioning is far rarer than editing; a handful per minute per client.
const (
	provisionPerSecond = 0.2
	provisionBurst     = 5
)

// app owns every long-lived component of the server.
type app struct {
	log       *slog.Logger
	kv        store.KV
	database  *db.Database
	templates *template.Cache
	registry  *room.Registry
	sockets   *ws.Handler
	retention *retention.Service
	limits    *ratelimit.Pool
	api       *api.API
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		kv.Close()
		return nil, err
	}

	templates, err := newTemplates(cfg, kv, logger)
	if err != nil {
		database.Close()
		kv.Close()
		return nil, err
	}

	c, _ := codec.ByName(cfg.Store.Compression)
	snapshots := snapshot.New(kv, c, cfg.Snapshots.TTL, logger)
	registry := room.NewRegistry(snapshots, logger)

	sockets := ws.NewHandler(registry, snapshots, ws.Options{
		SendBuffer: cfg.Peers.SendBuffer,
		Session: session.Options{
			MessagesPerSecond: cfg.Peers.MessagesPerSecond,
			MessageBurst:      cfg.Peers.MessageBurst,
		},
		Logger: logger,
	})

	purger, _ := kv.(store.Purger)
	keeper := retention.New(registry, snapshots, purger, retention.Config{Interval: cfg.Retention.Interval}, logger)

	var authenticator auth.Authenticator
	if cfg.GitHub.Enabled() {
		authenticator = auth.NewGitHub(auth.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
		}, kv, database, logger)
	} else {
		logger.Warn("GitHub login disabled: client id or secret not set")
	}

	limits := ratelimit.NewPool(provisionPerSecond, provisionBurst)

	return &app{
		log:       logger,
		kv:        kv,
		database:  database,
		templates: templates,
		registry:  registry,
		sockets:   sockets,
		retention: keeper,
		limits:    limits,
		api: api.New(api.Deps{
			Database:        database,
			Projects:        project.NewService(templates, database, registry, snapshots, logger),
			Registry:        registry,
			Templates:       templates,
			Sockets:         sockets,
			Auth:            authenticator,
			ProvisionLimits: limits,
			Logger:          logger,
		}),
	}, nil
}

// Close ends every session (persisting rooms whose last peer leaves) before
// releasing the stores.
func (a *app) Close() {
	a.sockets.Close()
	a.retention.Stop()
	a.templates.Wait()
	a.limits.Stop()

	if err := a.database.Close(); err != nil {
		a.log.Error("close database", "err", err)
	}
	if err := a.kv.Close(); err != nil {
		a.log.Error("close store", "err", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "sqlite":
		kv, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
		return kv, nil
	default:
		kv, err := store.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "open redis store")
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := kv.Ping(pingCtx); err != nil {
			kv.Close()
			return nil, errors.Wrap(err, "ping redis")
		}
		return kv, nil
	}
}

func newTemplates(cfg *config.Config, kv store.KV, logger *slog.Logger) (*template.Cache, error) {
	c, err := codec.ByName(cfg.Store.Compression)
	if err != nil {
		return nil, err
	}
	disk := template.NewDisk(osfs.New(cfg.Templates.Dir), cfg.Templates.Roots)
	return template.NewCache(kv, disk, template.Options{
		MemoryCapacity: cfg.Templates.MemoryCapacity,
		MemoryTTL:      cfg.Templates.MemoryTTL,
		DurableTTL:     cfg.Templates.DurableTTL,
		Codec:          c,
		Logger:         logger,
	}), nil
}
