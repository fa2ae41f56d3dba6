// Package sevenzipfs serves the content of a 7z archive as a read-only
// layerfs.VFS.
package sevenzipfs

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bodgit/sevenzip"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/archive"
)

// Reader is a read-only VFS over a 7z archive.
type Reader struct {
	path   string
	rc     *sevenzip.ReadCloser
	tree   *archive.Tree
	closed atomic.Bool
}

// Open enumerates every entry of the archive at path.
func Open(path string) (*Reader, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open 7z %s: %w", path, err)
	}
	r := &Reader{
		path: path,
		rc:   rc,
		tree: archive.NewTree(fmt.Sprintf("7z %q", path)),
	}
	for _, f := range rc.File {
		if err := r.add(f); err != nil {
			rc.Close()
			return nil, err
		}
	}

	log.Debug().
		Str("path", path).
		Int("entries", len(rc.File)).
		Msg("sevenzipfs: archive opened")
	return r, nil
}

func (r *Reader) add(f *sevenzip.File) error {
	// 7z archives written on Windows may use backslashes.
	name := strings.Trim(strings.ReplaceAll(f.Name, `\`, "/"), "/")
	if name == "" {
		return nil
	}
	p, err := layerfs.ParsePath(name, '/')
	if err != nil {
		return fmt.Errorf("%w: entry %q: %w", layerfs.ErrBadFormat, f.Name, err)
	}
	if f.FileInfo().IsDir() {
		return r.tree.AddDir(p)
	}
	return r.tree.AddFile(p, f.Modified, f.Open)
}

func (r *Reader) Root() layerfs.Dir {
	return r.tree.Root()
}

// Capabilities omits ParallelRead: solid blocks decode sequentially.
func (r *Reader) Capabilities() layerfs.Capabilities {
	return layerfs.Read | layerfs.CaseSensitive | layerfs.UniqueElement
}

func (r *Reader) Description() string {
	return fmt.Sprintf("7z %q", r.path)
}

func (r *Reader) NeedsSequentialWriting() bool {
	return true
}

func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.rc.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, r.Description(), err)
	}
	return nil
}
