package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codelattice/internal/codec"
	"github.com/manpreetbhatti/codelattice/internal/crdt"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

type docSource struct{ doc crdt.Document }

func (d docSource) Snapshot() ([]byte, error) { return d.doc.EncodeFullState() }

type failingSource struct{}

func (failingSource) Snapshot() ([]byte, error) { return nil, errors.New("boom") }

func setup(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := store.NewRedis(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })
	return New(kv, codec.Zstd(), time.Hour, nil), mr
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	doc := crdt.New()
	require.NoError(t, doc.InsertPlaceholder("src/main.go"))
	require.NoError(t, doc.Set("src/main.go", "package main"))

	require.NoError(t, s.Save(ctx, "p1", docSource{doc}))
	assert.True(t, mr.Exists("project_snapshot:p1"))
	assert.Equal(t, time.Hour, mr.TTL("project_snapshot:p1"))

	raw, ok := s.Load(ctx, "p1")
	require.True(t, ok)

	loaded, err := crdt.Load(raw)
	require.NoError(t, err)
	files, err := loaded.Files()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"src/main.go": "package main"}, files)
}

func TestLoadMissing(t *testing.T) {
	s, _ := setup(t)
	_, ok := s.Load(context.Background(), "nope")
	assert.False(t, ok)
}

func TestLoadCorruptIsAbsent(t *testing.T) {
	s, mr := setup(t)
	require.NoError(t, mr.Set(Key("bad"), "not zstd at all"))

	_, ok := s.Load(context.Background(), "bad")
	assert.False(t, ok)
}

func TestLoadExpired(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "p1", docSource{crdt.New()}))

	mr.FastForward(2 * time.Hour)
	_, ok := s.Load(ctx, "p1")
	assert.False(t, ok)
}

func TestPersistSwallowsErrors(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	s.Persist(ctx, "p1", failingSource{})
	assert.False(t, mr.Exists(Key("p1")))

	mr.Close()
	assert.NotPanics(t, func() { s.Persist(ctx, "p1", docSource{crdt.New()}) })
	assert.Error(t, s.Save(ctx, "p1", docSource{crdt.New()}))
}

func TestTouch(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	assert.True(t, errors.Is(s.Touch(ctx, "p1"), store.ErrNotFound))

	require.NoError(t, s.Save(ctx, "p1", docSource{crdt.New()}))
	mr.FastForward(50 * time.Minute)
	require.NoError(t, s.Touch(ctx, "p1"))
	assert.Equal(t, time.Hour, mr.TTL(Key("p1")))
}

func TestKeysDoNotCollideWithTemplates(t *testing.T) {
	assert.Equal(t, "project_snapshot:react", Key("react"))
	assert.NotEqual(t, "template:react", Key("react"))
}
