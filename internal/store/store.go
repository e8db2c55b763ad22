// Package store is the durable key/value store behind snapshots, the
// template durable tier and OAuth state. Values expire; nothing here is
// permanent archival.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("store: key not found")

// KV is a durable byte store with per-key expiry. Implementations are
// safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// SetEx writes value under key. A zero ttl means no expiry.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Expire resets the expiry of an existing key; ErrNotFound if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// GetDel reads and removes key in one step, so at most one caller
	// observes a given value.
	GetDel(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Purger is implemented by backends that need expired rows removed
// explicitly rather than by the server.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
