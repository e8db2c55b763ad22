// Package crdt wraps the replicated document that backs every room.
//
// The merge algebra itself is provided by automerge; this package only
// exposes the handful of operations the room, session and snapshot layers
// need, so those layers never import automerge directly.
package crdt

import "github.com/pkg/errors"

// FilesKey is the root map holding one entry per project file path.
const FilesKey = "files"

// ErrDecode is returned when an update or snapshot cannot be merged.
var ErrDecode = errors.New("crdt: malformed update")

// Document is a mergeable document shared by every peer of a room.
//
// Implementations are not required to be safe for concurrent mutation;
// callers serialize writers and may run readers concurrently.
type Document interface {
	// InsertPlaceholder records key in the files map with empty content.
	InsertPlaceholder(key string) error

	// EncodeFullState encodes everything since the empty document.
	EncodeFullState() ([]byte, error)

	// Apply merges a remote update or a full snapshot. Applying the same
	// update twice, or updates out of order, converges to the same state.
	Apply(update []byte) error

	// Files returns the current content of the files map.
	Files() (map[string]string, error)
}
