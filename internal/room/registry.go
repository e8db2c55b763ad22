package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/codelattice/internal/crdt"
)

// rehydrateTimeout bounds a shared snapshot load. The load outlives the
// caller that started it so concurrent callers are not failed by its
// cancellation.
const rehydrateTimeout = 30 * time.Second

// SnapshotLoader reads a project's persisted document. A false result means
// there is no usable snapshot.
type SnapshotLoader interface {
	Load(ctx context.Context, projectID string) ([]byte, bool)
}

// Registry maps project ids to resident rooms. Rooms are never evicted.
type Registry struct {
	rooms     sync.Map
	snapshots SnapshotLoader
	rehydrate singleflight.Group
	log       *slog.Logger
}

func NewRegistry(snapshots SnapshotLoader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		snapshots: snapshots,
		log:       logger.With("component", "registry"),
	}
}

// GetOrCreate returns the room for projectID, creating it with an empty
// entry for every path in files if it is not resident. An existing room is
// returned unchanged.
func (g *Registry) GetOrCreate(projectID string, files []string) (*Room, error) {
	if r, ok := g.Lookup(projectID); ok {
		return r, nil
	}

	doc := crdt.New()
	for _, path := range files {
		if err := doc.InsertPlaceholder(path); err != nil {
			return nil, errors.Wrapf(err, "seed %s", path)
		}
	}

	r, loaded := g.insert(New(projectID, doc))
	if !loaded {
		g.log.Info("room created", "project_id", projectID, "files", len(files))
	}
	return r, nil
}

func (g *Registry) Lookup(projectID string) (*Room, bool) {
	v, ok := g.rooms.Load(projectID)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

// LookupOrRehydrate returns the resident room for projectID or rebuilds it
// from the latest snapshot. Without a usable snapshot it returns
// ErrNotFound. If ctx ends first its error is returned, but the load
// continues for any other caller waiting on it.
func (g *Registry) LookupOrRehydrate(ctx context.Context, projectID string) (*Room, error) {
	if r, ok := g.Lookup(projectID); ok {
		return r, nil
	}

	ch := g.rehydrate.DoChan(projectID, func() (any, error) {
		if r, ok := g.Lookup(projectID); ok {
			return r, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rehydrateTimeout)
		defer cancel()

		data, ok := g.snapshots.Load(loadCtx, projectID)
		if !ok {
			return nil, ErrNotFound
		}

		doc, err := crdt.Load(data)
		if err != nil {
			g.log.Error("snapshot unusable", "project_id", projectID, "err", err)
			return nil, ErrNotFound
		}

		r, loaded := g.insert(New(projectID, doc))
		if !loaded {
			g.log.Info("room rehydrated", "project_id", projectID, "bytes", len(data))
		}
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// insert stores r unless a room for the same project is already resident,
// in which case r is discarded and the resident room returned.
func (g *Registry) insert(r *Room) (*Room, bool) {
	actual, loaded := g.rooms.LoadOrStore(r.ID, r)
	if loaded {
		g.log.Debug("discarding duplicate room", "project_id", r.ID)
	}
	return actual.(*Room), loaded
}

// Range calls fn for every resident room until fn returns false.
func (g *Registry) Range(fn func(r *Room) bool) {
	g.rooms.Range(func(_, v any) bool {
		return fn(v.(*Room))
	})
}

func (g *Registry) Len() int {
	n := 0
	g.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Peers returns the number of peers attached across all rooms.
func (g *Registry) Peers() int64 {
	var n int64
	g.Range(func(r *Room) bool {
		n += r.Peers()
		return true
	})
	return n
}
