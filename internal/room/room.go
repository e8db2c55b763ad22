// Package room holds live collaborative sessions: one replicated document
// per project, the set of peers attached to it, and the registry that maps
// project ids to rooms.
package room

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/crdt"
	"github.com/manpreetbhatti/codelattice/internal/protocol"
)

// ErrNotFound is returned when a project has no resident room and no
// usable snapshot.
var ErrNotFound = errors.New("room not found")

// Sink delivers frames to one peer. Send must not block; an error means the
// peer cannot take more frames and will be dropped.
type Sink interface {
	Send(msg []byte) error
	Close() error
}

// Source yields frames received from one peer.
type Source interface {
	Recv(ctx context.Context) ([]byte, error)
}

// A collaborative editing session for one project
type Room struct {
	ID string

	// guards doc and awareness
	mu        sync.RWMutex
	doc       crdt.Document
	awareness map[string][]byte

	peers atomic.Int64

	subsMu sync.RWMutex
	subs   map[string]Sink

	persistMu sync.Mutex
}

// Creates a room around an existing document
func New(id string, doc crdt.Document) *Room {
	return &Room{
		ID:        id,
		doc:       doc,
		awareness: make(map[string][]byte),
		subs:      make(map[string]Sink),
	}
}

// Records one more attached peer and returns the new count
func (r *Room) Attach() int64 {
	return r.peers.Add(1)
}

// Records one fewer attached peer and returns the new count
func (r *Room) Detach() int64 {
	return r.peers.Add(-1)
}

func (r *Room) Peers() int64 {
	return r.peers.Load()
}

// Snapshot encodes the full document state.
func (r *Room) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.EncodeFullState()
}

// Files returns the current content of every file in the document.
func (r *Room) Files() (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Files()
}

// Join sends a full snapshot to sink, followed by the presence of every
// other peer, and then admits sink to the broadcast group. The document
// stays read-locked throughout, so any update merged after the snapshot was
// taken is also delivered through the broadcast group.
func (r *Room) Join(id string, sink Sink) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, err := r.doc.EncodeFullState()
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := sink.Send(protocol.EncodeSnapshot(state)); err != nil {
		return errors.Wrap(err, "send snapshot")
	}

	for _, peer := range sortedKeys(r.awareness) {
		if peer == id {
			continue
		}
		if err := sink.Send(r.awareness[peer]); err != nil {
			return errors.Wrap(err, "send awareness")
		}
	}

	r.subsMu.Lock()
	r.subs[id] = sink
	r.subsMu.Unlock()
	return nil
}

// Leave removes a peer from the broadcast group and forgets its presence.
func (r *Room) Leave(id string) {
	r.subsMu.Lock()
	delete(r.subs, id)
	r.subsMu.Unlock()

	r.mu.Lock()
	delete(r.awareness, id)
	r.mu.Unlock()
}

// ApplyUpdate merges a remote update into the document.
func (r *Room) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Apply(update)
}

// SetAwareness keeps the latest presence frame of a peer for late joiners.
func (r *Room) SetAwareness(id string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awareness[id] = append([]byte(nil), frame...)
}

// Broadcast delivers msg to every subscriber except from. Subscribers whose
// sink rejects the frame are removed and closed; the returned slice lists
// their ids.
func (r *Room) Broadcast(from string, msg []byte) []string {
	var dropped []string

	r.subsMu.RLock()
	for id, sink := range r.subs {
		if id == from {
			continue
		}
		if err := sink.Send(msg); err != nil {
			dropped = append(dropped, id)
		}
	}
	r.subsMu.RUnlock()

	if len(dropped) == 0 {
		return nil
	}

	r.subsMu.Lock()
	for _, id := range dropped {
		if sink, ok := r.subs[id]; ok {
			delete(r.subs, id)
			sink.Close()
		}
	}
	r.subsMu.Unlock()
	return dropped
}

// Subscribers returns the number of peers in the broadcast group.
func (r *Room) Subscribers() int {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	return len(r.subs)
}

// WhenIdle runs fn while holding the room's persistence lock, provided no
// peer is attached once the lock is acquired. It reports whether fn ran.
func (r *Room) WhenIdle(fn func()) bool {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if r.peers.Load() > 0 {
		return false
	}
	fn()
	return true
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
