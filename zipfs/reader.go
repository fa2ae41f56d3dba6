// Package zipfs stores a VFS tree in a zip archive: Open reads one, Create
// streams a new one entry by entry, and OpenReadWrite stages edits in a
// temporary directory that is packed back into the archive on Close.
//
// Every file is one entry named by its full '/'-separated path. Directories
// are implied by entry names; explicit "dir/" entries are honored on read but
// never written.
package zipfs

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/archive"
)

// Reader is a read-only VFS over an existing archive.
type Reader struct {
	path   string
	zr     *zip.ReadCloser
	tree   *archive.Tree
	closed atomic.Bool
}

// Open enumerates every entry of the archive at path.
func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip %s: %w", path, err)
	}
	r := &Reader{
		path: path,
		zr:   zr,
		tree: archive.NewTree(description(path)),
	}
	for _, f := range zr.File {
		if err := r.add(f); err != nil {
			zr.Close()
			return nil, err
		}
	}

	log.Debug().
		Str("path", path).
		Int("entries", len(zr.File)).
		Msg("zipfs: archive opened")
	return r, nil
}

func (r *Reader) add(f *zip.File) error {
	name := strings.TrimSuffix(f.Name, "/")
	if name == "" {
		return nil
	}
	p, err := layerfs.ParsePath(name, '/')
	if err != nil {
		return fmt.Errorf("%w: entry %q: %w", layerfs.ErrBadFormat, f.Name, err)
	}
	if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
		return r.tree.AddDir(p)
	}
	return r.tree.AddFile(p, f.Modified, f.Open)
}

func description(path string) string {
	return fmt.Sprintf("zip %q", path)
}

func (r *Reader) Root() layerfs.Dir {
	return r.tree.Root()
}

func (r *Reader) Capabilities() layerfs.Capabilities {
	return layerfs.Read | layerfs.ParallelRead | layerfs.CaseSensitive | layerfs.UniqueElement
}

func (r *Reader) Description() string {
	return description(r.path)
}

func (r *Reader) NeedsSequentialWriting() bool {
	return true
}

func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.zr.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, r.Description(), err)
	}
	return nil
}
