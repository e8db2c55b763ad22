package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codelattice/internal/crdt"
	"github.com/manpreetbhatti/codelattice/internal/protocol"
	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/snapshot"
)

// memPeer is an in-process transport: frames pushed to in are received by
// the session, frames the room sends are recorded.
type memPeer struct {
	in chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func newMemPeer() *memPeer {
	return &memPeer{in: make(chan []byte, 2048)}
}

func (p *memPeer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	p.out = append(p.out, msg)
	return nil
}

func (p *memPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPeer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *memPeer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.out...)
}

type persistCall struct {
	projectID string
	state     []byte
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
}

func (f *fakePersister) Persist(_ context.Context, projectID string, src snapshot.Source) {
	state, _ := src.Snapshot()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, persistCall{projectID: projectID, state: state})
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type running struct {
	sess *Session
	peer *memPeer
	done chan error
}

func start(t *testing.T, r *room.Room, p Persister, opts Options) running {
	t.Helper()
	peer := newMemPeer()
	sess := New(r, peer, peer, p, opts)
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sess.State() == Relaying }, time.Second, time.Millisecond)
	return running{sess: sess, peer: peer, done: done}
}

func newRoom(t *testing.T, files ...string) *room.Room {
	t.Helper()
	doc := crdt.New()
	for _, f := range files {
		require.NoError(t, doc.InsertPlaceholder(f))
	}
	return room.New("p1", doc)
}

// edit builds an update frame changing path, starting from the snapshot the
// peer received on join.
func edit(t *testing.T, peer *memPeer, path, content string) []byte {
	t.Helper()
	msgs := peer.received()
	require.NotEmpty(t, msgs)
	require.Equal(t, protocol.SyncSnapshot, protocol.ParseSyncStep(msgs[0]))

	client, err := crdt.Load(protocol.Payload(msgs[0]))
	require.NoError(t, err)
	require.NoError(t, client.Set(path, content))
	return protocol.EncodeUpdate(client.SaveIncremental())
}

func contains(msgs [][]byte, want []byte) bool {
	for _, m := range msgs {
		if string(m) == string(want) {
			return true
		}
	}
	return false
}

func TestUpdateReachesOtherPeer(t *testing.T) {
	r := newRoom(t, "src/App.jsx")
	p := &fakePersister{}
	a := start(t, r, p, Options{})
	b := start(t, r, p, Options{})

	update := edit(t, a.peer, "src/App.jsx", "export default 42")
	a.peer.in <- update

	require.Eventually(t, func() bool { return contains(b.peer.received(), update) }, time.Second, time.Millisecond)
	assert.False(t, contains(a.peer.received(), update), "sender does not receive its own update")

	files, err := r.Files()
	require.NoError(t, err)
	assert.Equal(t, "export default 42", files["src/App.jsx"])
	assert.EqualValues(t, 2, r.Peers())
}

func TestMalformedUpdateKeepsSessionLive(t *testing.T) {
	r := newRoom(t, "a.txt")
	p := &fakePersister{}
	a := start(t, r, p, Options{})
	b := start(t, r, p, Options{})

	garbage := protocol.EncodeUpdate([]byte{1, 2, 3})
	// Carries a valid chunk header but no parseable chunk.
	headed := protocol.EncodeUpdate([]byte{0x85, 0x6f, 0x4a, 0x83, 0xde, 0xad, 0xbe, 0xef})
	a.peer.in <- garbage
	a.peer.in <- headed
	a.peer.in <- []byte{9, 9, 9}

	update := edit(t, a.peer, "a.txt", "still here")
	a.peer.in <- update

	require.Eventually(t, func() bool { return contains(b.peer.received(), update) }, time.Second, time.Millisecond)
	assert.False(t, contains(b.peer.received(), garbage))
	assert.False(t, contains(b.peer.received(), headed))
	assert.Equal(t, Relaying, a.sess.State())
}

func TestAwarenessRelayedAndReplayed(t *testing.T) {
	r := newRoom(t)
	p := &fakePersister{}
	a := start(t, r, p, Options{})
	b := start(t, r, p, Options{})

	presence := protocol.EncodeAwareness([]byte(`{"cursor":{"line":4}}`))
	a.peer.in <- presence
	require.Eventually(t, func() bool { return contains(b.peer.received(), presence) }, time.Second, time.Millisecond)

	c := start(t, r, p, Options{})
	assert.True(t, contains(c.peer.received(), presence))
}

func TestDetachIsIdempotent(t *testing.T) {
	r := newRoom(t, "a.txt")
	p := &fakePersister{}
	a := start(t, r, p, Options{})

	assert.True(t, a.sess.Detach(context.Background()))
	assert.False(t, a.sess.Detach(context.Background()))
	assert.EqualValues(t, 0, r.Peers())
	assert.Equal(t, 1, p.count())

	close(a.peer.in)
	<-a.done
	assert.EqualValues(t, 0, r.Peers())
	assert.Equal(t, 1, p.count())
}

func TestLastDetachPersists(t *testing.T) {
	r := newRoom(t, "a.txt")
	p := &fakePersister{}
	a := start(t, r, p, Options{})
	b := start(t, r, p, Options{})

	update := edit(t, a.peer, "a.txt", "saved")
	a.peer.in <- update
	require.Eventually(t, func() bool { return contains(b.peer.received(), update) }, time.Second, time.Millisecond)

	close(a.peer.in)
	require.True(t, errors.Is(<-a.done, io.EOF))
	assert.Equal(t, 0, p.count(), "room still has a peer")
	assert.Equal(t, Detached, a.sess.State())

	close(b.peer.in)
	<-b.done
	require.Equal(t, 1, p.count())
	assert.Equal(t, "p1", p.calls[0].projectID)

	restored, err := crdt.Load(p.calls[0].state)
	require.NoError(t, err)
	files, err := restored.Files()
	require.NoError(t, err)
	assert.Equal(t, "saved", files["a.txt"])
}

func TestRoomSurvivesLastDetach(t *testing.T) {
	r := newRoom(t, "a.txt")
	p := &fakePersister{}
	a := start(t, r, p, Options{})
	close(a.peer.in)
	<-a.done

	b := start(t, r, p, Options{})
	assert.EqualValues(t, 1, r.Peers())
	assert.Equal(t, Relaying, b.sess.State())
}

func TestDetachBeforeRun(t *testing.T) {
	r := newRoom(t)
	p := &fakePersister{}
	peer := newMemPeer()
	sess := New(r, peer, peer, p, Options{})

	assert.True(t, sess.Detach(context.Background()))
	err := sess.Run(context.Background())
	assert.True(t, errors.Is(err, ErrDetached))
	assert.EqualValues(t, 0, r.Peers())
	assert.Equal(t, 0, p.count())
}

func TestRateLimitDisconnects(t *testing.T) {
	r := newRoom(t)
	p := &fakePersister{}
	a := start(t, r, p, Options{MessagesPerSecond: 1e-9, MessageBurst: 1})

	presence := protocol.EncodeAwareness([]byte("x"))
	for i := 0; i < 1100; i++ {
		a.peer.in <- presence
	}

	select {
	case err := <-a.done:
		assert.True(t, errors.Is(err, ErrRateLimited))
	case <-time.After(2 * time.Second):
		t.Fatal("session was not disconnected")
	}
	assert.EqualValues(t, 0, r.Peers())
}

func TestCancelDetachesOnlyThatSession(t *testing.T) {
	r := newRoom(t)
	p := &fakePersister{}
	b := start(t, r, p, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	peer := newMemPeer()
	sess := New(r, peer, peer, p, Options{})
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	require.Eventually(t, func() bool { return sess.State() == Relaying }, time.Second, time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
	assert.EqualValues(t, 1, r.Peers())
	assert.Equal(t, Relaying, b.sess.State())
}
