// Package retention keeps the durable copy of every resident room alive.
//
// Snapshots are written when the last peer leaves and expire after a few
// hours. A room that stays busy for longer would lose its durable copy, so
// this service periodically extends each snapshot's expiry and rewrites it
// from memory when it has already gone.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/snapshot"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Minute,
	}
}

type Snapshots interface {
	Touch(ctx context.Context, projectID string) error
	Save(ctx context.Context, projectID string, src snapshot.Source) error
}

// Result summarises one retention pass.
type Result struct {
	Refreshed int
	Restored  int
	Failed    int
	Purged    int64
}

type Service struct {
	registry  *room.Registry
	snapshots Snapshots
	purger    store.Purger
	config    Config
	log       *slog.Logger
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds the service. purger may be nil when the durable store expires
// entries on its own.
func New(registry *room.Registry, snapshots Snapshots, purger store.Purger, config Config, logger *slog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		snapshots: snapshots,
		purger:    purger,
		config:    config,
		log:       logger.With("component", "retention"),
		stop:      make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("retention service started", "interval", s.config.Interval)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce refreshes every resident room's snapshot and purges expired
// entries from stores that need it.
func (s *Service) RunOnce(ctx context.Context) Result {
	var res Result

	s.registry.Range(func(r *room.Room) bool {
		err := s.snapshots.Touch(ctx, r.ID)
		switch {
		case err == nil:
			res.Refreshed++
		case errors.Is(err, store.ErrNotFound):
			if err := s.snapshots.Save(ctx, r.ID, r); err != nil {
				s.log.Error("snapshot restore failed", "project_id", r.ID, "err", err)
				res.Failed++
			} else {
				res.Restored++
			}
		default:
			s.log.Error("snapshot refresh failed", "project_id", r.ID, "err", err)
			res.Failed++
		}
		return ctx.Err() == nil
	})

	if s.purger != nil {
		n, err := s.purger.PurgeExpired(ctx)
		if err != nil {
			s.log.Error("purge failed", "err", err)
		}
		res.Purged = n
	}

	if res.Restored > 0 || res.Failed > 0 || res.Purged > 0 {
		s.log.Info("retention pass", "refreshed", res.Refreshed, "restored", res.Restored, "failed", res.Failed, "purged", res.Purged)
	}
	return res
}
