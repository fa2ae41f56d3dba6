package zipfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/direct"
)

type rwConfig struct {
	stageDir   string
	bufferSize int
}

// Option configures OpenReadWrite.
type Option func(*rwConfig)

// WithStageDir sets the parent directory of the staging directory. The
// default is os.TempDir.
func WithStageDir(dir string) Option {
	return func(c *rwConfig) {
		c.stageDir = dir
	}
}

// WithBufferSize sets the copy buffer used when extracting and packing.
func WithBufferSize(size int) Option {
	return func(c *rwConfig) {
		c.bufferSize = size
	}
}

// ReadWrite edits an archive through a staging directory.
type ReadWrite struct {
	path   string
	tmp    string
	cfg    rwConfig
	stage  *direct.VFS
	closed atomic.Bool
}

// OpenReadWrite extracts the archive at path, if it exists, into a fresh
// staging directory and serves that directory. Close packs the staging tree
// back into path.
func OpenReadWrite(path string, opts ...Option) (*ReadWrite, error) {
	var cfg rwConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	tmp, err := os.MkdirTemp(cfg.stageDir, "layerfs-zip-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	stage, err := direct.New(tmp, layerfs.Read|layerfs.Write, direct.WithCaseSensitive(true))
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	rw := &ReadWrite{path: path, tmp: tmp, cfg: cfg, stage: stage}

	if _, err := os.Stat(path); err == nil {
		if err := rw.extract(); err != nil {
			os.RemoveAll(tmp)
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		os.RemoveAll(tmp)
		return nil, err
	}

	log.Debug().
		Str("path", path).
		Str("stage", tmp).
		Msg("zipfs: staging archive")
	return rw, nil
}

func (rw *ReadWrite) extract() error {
	r, err := Open(rw.path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := layerfs.Copy(rw.stage.Root(), r.Root(), rw.copyOptions()...); err != nil {
		return fmt.Errorf("failed to extract %s: %w", rw.path, err)
	}
	return nil
}

func (rw *ReadWrite) copyOptions() []layerfs.CopyOption {
	if rw.cfg.bufferSize > 0 {
		return []layerfs.CopyOption{layerfs.WithCopyBufferSize(rw.cfg.bufferSize)}
	}
	return nil
}

func (rw *ReadWrite) Root() layerfs.Dir {
	return rw.stage.Root()
}

func (rw *ReadWrite) Capabilities() layerfs.Capabilities {
	return rw.stage.Capabilities()
}

func (rw *ReadWrite) Description() string {
	return fmt.Sprintf("zip %q staged in %q", rw.path, rw.tmp)
}

func (rw *ReadWrite) NeedsSequentialWriting() bool {
	return rw.stage.NeedsSequentialWriting()
}

// Close packs the staging tree into a sibling file, renames it over the
// archive and removes the staging directory.
func (rw *ReadWrite) Close() error {
	if !rw.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer os.RemoveAll(rw.tmp)

	partial := rw.path + ".partial"
	w, err := Create(partial)
	if err != nil {
		return fmt.Errorf("%w: %w", layerfs.ErrCannotClose, err)
	}
	copyErr := layerfs.Copy(w.Root(), rw.stage.Root(), rw.copyOptions()...)
	closeErr := w.Close()
	stageErr := rw.stage.Close()
	if err := errors.Join(copyErr, closeErr, stageErr); err != nil {
		os.Remove(partial)
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, rw.Description(), err)
	}
	if err := os.Rename(partial, rw.path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("%w: %w", layerfs.ErrCannotClose, err)
	}
	log.Debug().Str("path", rw.path).Msg("zipfs: staged archive packed")
	return nil
}
