package layerfs

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/rs/zerolog/log"
)

const defaultCopyBufferSize = 32 * 1024

type copyConfig struct {
	bufferSize int
	filter     func(Path, Element) bool
}

// CopyOption configures Copy.
type CopyOption func(*copyConfig)

// WithCopyBufferSize sets the buffer size used for each file copy.
func WithCopyBufferSize(size int) CopyOption {
	return func(c *copyConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithCopyFilter skips every element for which keep returns false. Skipping
// a directory skips its whole subtree.
func WithCopyFilter(keep func(Path, Element) bool) CopyOption {
	return func(c *copyConfig) {
		c.filter = keep
	}
}

// Copy dumps the tree below src into dst, creating directories and files as
// needed. Files are copied one at a time with each output stream closed
// before the next one opens, so dst may need sequential writing.
func Copy(dst, src Dir, opts ...CopyOption) error {
	cfg := copyConfig{bufferSize: defaultCopyBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	buf := make([]byte, cfg.bufferSize)
	files := 0

	err := Walk(src, func(p Path, e Element) error {
		if p.IsRoot() {
			return nil
		}
		if cfg.filter != nil && !cfg.filter(p, e) {
			if IsDir(e) {
				return fs.SkipDir
			}
			return nil
		}
		switch e := e.(type) {
		case Dir:
			_, err := CreateDir(dst, p)
			return err
		case File:
			files++
			return copyFile(dst, p, e, buf)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("from", src.Location().String()).
		Str("to", dst.Location().String()).
		Int("files", files).
		Msg("copy: tree copied")
	return nil
}

func copyFile(dst Dir, p Path, src File, buf []byte) error {
	r, err := src.Open()
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer r.Close()

	f, err := CreateFile(dst, p)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	w, err := f.Create()
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.CopyBuffer(w, r, buf); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return w.Close()
}
