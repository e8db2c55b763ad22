// Package snapshot persists room documents to the durable store and loads
// them back when a room is rehydrated.
//
// An entry is a CBOR record holding the full document encoding, compressed
// with the configured codec, stored under project_snapshot:<project id>
// with a bounded expiry.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/codec"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

const (
	keyPrefix = "project_snapshot:"

	DefaultTTL = 2 * time.Hour
)

// Key returns the durable store key for a project's snapshot.
func Key(projectID string) string {
	return keyPrefix + projectID
}

// Record is the wire form of a snapshot before compression.
type Record struct {
	Update []byte `cbor:"update"`
}

// Source produces the full encoded state of a document.
type Source interface {
	Snapshot() ([]byte, error)
}

type Store struct {
	kv    store.KV
	codec codec.Codec
	ttl   time.Duration
	log   *slog.Logger
}

func New(kv store.KV, c codec.Codec, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, codec: c, ttl: ttl, log: logger.With("component", "snapshot")}
}

// Save encodes src and writes it under the project's key.
func (s *Store) Save(ctx context.Context, projectID string, src Source) error {
	update, err := src.Snapshot()
	if err != nil {
		return errors.Wrap(err, "encode document")
	}

	blob, err := codec.Pack(s.codec, Record{Update: update})
	if err != nil {
		return errors.Wrap(err, "pack snapshot")
	}

	if err := s.kv.SetEx(ctx, Key(projectID), blob, s.ttl); err != nil {
		return errors.Wrap(err, "write snapshot")
	}

	s.log.Debug("snapshot persisted", "project_id", projectID, "raw_bytes", len(update), "stored_bytes", len(blob))
	return nil
}

// Persist is Save for best-effort callers: failures are logged, not returned.
func (s *Store) Persist(ctx context.Context, projectID string, src Source) {
	if err := s.Save(ctx, projectID, src); err != nil {
		s.log.Error("snapshot persist failed", "project_id", projectID, "err", err)
	}
}

// Load returns the encoded document for projectID. A missing, unreadable or
// corrupt entry reports false; the reason is logged.
func (s *Store) Load(ctx context.Context, projectID string) ([]byte, bool) {
	blob, err := s.kv.Get(ctx, Key(projectID))
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("no snapshot found", "project_id", projectID)
		return nil, false
	}
	if err != nil {
		s.log.Error("snapshot read failed", "project_id", projectID, "err", err)
		return nil, false
	}

	var rec Record
	if err := codec.Unpack(s.codec, blob, &rec); err != nil {
		s.log.Error("snapshot corrupt", "project_id", projectID, "err", err)
		return nil, false
	}
	if len(rec.Update) == 0 {
		s.log.Error("snapshot corrupt", "project_id", projectID, "err", "empty update")
		return nil, false
	}

	s.log.Info("snapshot loaded", "project_id", projectID)
	return rec.Update, true
}

// Touch extends the expiry of an existing snapshot. It returns
// store.ErrNotFound when there is nothing to extend.
func (s *Store) Touch(ctx context.Context, projectID string) error {
	return s.kv.Expire(ctx, Key(projectID), s.ttl)
}
