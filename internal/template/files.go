// Package template provides the file sets new projects are provisioned from.
//
// Templates are read through three tiers: an in-process expiring cache, a
// compressed copy in the durable store, and the template tree on disk. A
// miss on a faster tier is filled from the slower one; entries are never
// invalidated, only expired.
package template

import (
	"encoding/base64"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// BinaryPrefix marks file content that is base64 encoded binary.
const BinaryPrefix = "__BIN__"

// ErrUnsupportedFramework is returned for framework names with no template.
var ErrUnsupportedFramework = errors.New("template: unsupported framework")

// Files maps a slash separated relative path to file content. Text files
// hold their content verbatim; anything that is not valid UTF-8 is stored
// as BinaryPrefix followed by standard base64.
//
// A Files value returned by the cache is shared and must not be modified.
type Files map[string]string

// Paths returns the file paths in lexical order.
func (f Files) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a copy safe to modify.
func (f Files) Clone() Files {
	out := make(Files, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EncodeContent classifies raw file bytes as text or binary.
func EncodeContent(raw []byte) string {
	// text that happens to start with the tag is encoded so it decodes back unchanged
	if utf8.Valid(raw) && !strings.HasPrefix(string(raw), BinaryPrefix) {
		return string(raw)
	}
	return BinaryPrefix + base64.StdEncoding.EncodeToString(raw)
}

// DecodeContent returns the original bytes of an encoded file.
func DecodeContent(content string) ([]byte, error) {
	if !strings.HasPrefix(content, BinaryPrefix) {
		return []byte(content), nil
	}
	raw, err := base64.StdEncoding.DecodeString(content[len(BinaryPrefix):])
	if err != nil {
		return nil, errors.Wrap(err, "decode binary content")
	}
	return raw, nil
}
