package crdt

import (
	"bytes"

	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"
)

// magic prefixes every automerge storage chunk.
var magic = []byte{0x85, 0x6f, 0x4a, 0x83}

// Automerge is a Document backed by an automerge document.
type Automerge struct {
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Automerge {
	return &Automerge{doc: automerge.New()}
}

// Load rebuilds a document from a full encoding produced by EncodeFullState.
func Load(raw []byte) (*Automerge, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	return &Automerge{doc: doc}, nil
}

func (a *Automerge) InsertPlaceholder(key string) error {
	if key == "" {
		return errors.New("crdt: empty file key")
	}
	if err := a.doc.Path(FilesKey, key).Set(""); err != nil {
		return errors.Wrapf(err, "insert placeholder %q", key)
	}
	return nil
}

func (a *Automerge) EncodeFullState() ([]byte, error) {
	return a.doc.Save(), nil
}

func (a *Automerge) Apply(update []byte) error {
	if len(update) == 0 {
		return errors.Wrap(ErrDecode, "empty update")
	}
	if !bytes.HasPrefix(update, magic) {
		return errors.Wrap(ErrDecode, "missing chunk header")
	}

	// LoadIncremental skips chunks it cannot parse, so updates are parsed
	// in full before anything is merged.
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		other, lerr := automerge.Load(update)
		if lerr != nil {
			return errors.Wrap(ErrDecode, err.Error())
		}
		if _, err := a.doc.Merge(other); err != nil {
			return errors.Wrap(ErrDecode, err.Error())
		}
		return nil
	}
	if err := a.doc.Apply(changes...); err != nil {
		return errors.Wrap(ErrDecode, err.Error())
	}
	return nil
}

func (a *Automerge) Files() (map[string]string, error) {
	files := make(map[string]string)

	v, err := a.doc.Path(FilesKey).Get()
	if err != nil {
		return nil, errors.Wrap(err, "read files map")
	}
	if v.Kind() != automerge.KindMap {
		return files, nil
	}

	values, err := v.Map().Values()
	if err != nil {
		return nil, errors.Wrap(err, "read files map")
	}
	for key, value := range values {
		switch value.Kind() {
		case automerge.KindStr:
			files[key] = value.Str()
		case automerge.KindText:
			text, err := value.Text().Get()
			if err != nil {
				return nil, errors.Wrapf(err, "read text %q", key)
			}
			files[key] = text
		}
	}
	return files, nil
}

// Set writes content for key. Used by clients and tests to produce local edits.
func (a *Automerge) Set(key, content string) error {
	return a.doc.Path(FilesKey, key).Set(content)
}

// SaveIncremental returns the changes made since the previous call,
// suitable for sending to a room as an update.
func (a *Automerge) SaveIncremental() []byte {
	return a.doc.SaveIncremental()
}
