package template

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

// DefaultRoots maps the built-in frameworks to their template directories.
var DefaultRoots = map[string]string{
	"react": "react-template",
}

// Disk is the source of truth: template trees on a filesystem, one
// directory per framework.
type Disk struct {
	fs    billy.Filesystem
	roots map[string]string
}

func NewDisk(fs billy.Filesystem, roots map[string]string) *Disk {
	normalized := make(map[string]string, len(roots))
	for name, dir := range roots {
		normalized[strings.ToLower(name)] = dir
	}
	return &Disk{fs: fs, roots: normalized}
}

// Frameworks lists the supported framework names.
func (d *Disk) Frameworks() []string {
	names := make([]string, 0, len(d.roots))
	for name := range d.roots {
		names = append(names, name)
	}
	return names
}

func (d *Disk) root(framework string) (string, error) {
	dir, ok := d.roots[framework]
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedFramework, "%q", framework)
	}
	return dir, nil
}

// Read walks the framework's tree and returns every regular file.
// The walk runs on its own goroutine so a cancelled caller is released
// without waiting for slow disk I/O.
func (d *Disk) Read(ctx context.Context, framework string) (Files, error) {
	root, err := d.root(framework)
	if err != nil {
		return nil, err
	}

	type result struct {
		files Files
		err   error
	}
	done := make(chan result, 1)
	go func() {
		files, err := d.walk(ctx, root)
		done <- result{files, err}
	}()

	select {
	case r := <-done:
		return r.files, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Disk) walk(ctx context.Context, root string) (Files, error) {
	files := make(Files)
	err := util.Walk(d.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		raw, err := util.ReadFile(d.fs, path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		files[filepath.ToSlash(rel)] = EncodeContent(raw)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk template %s", root)
	}
	return files, nil
}
