// Package deflate is a filter that stores every file deflate-compressed in
// the VFS below it. Names and structure pass through untouched.
package deflate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/absfs/layerfs"
)

type config struct {
	level int
}

// Option configures New.
type Option func(*config)

// WithLevel sets the compression level, flate.BestSpeed through
// flate.BestCompression. Invalid levels fall back to flate.DefaultCompression.
func WithLevel(level int) Option {
	return func(c *config) {
		c.level = level
	}
}

// VFS compresses on write and decompresses on read.
type VFS struct {
	inner  layerfs.VFS
	level  int
	closed atomic.Bool
}

// New wraps inner. The returned VFS owns inner and closes it.
func New(inner layerfs.VFS, opts ...Option) *VFS {
	cfg := config{level: flate.DefaultCompression}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.level < flate.HuffmanOnly || cfg.level > flate.BestCompression {
		cfg.level = flate.DefaultCompression
	}
	return &VFS{inner: inner, level: cfg.level}
}

func (v *VFS) Root() layerfs.Dir {
	return &dir{v: v, inner: v.inner.Root()}
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.inner.Capabilities()
}

func (v *VFS) Description() string {
	return fmt.Sprintf("deflate(%s)", v.inner.Description())
}

func (v *VFS) NeedsSequentialWriting() bool {
	return v.inner.NeedsSequentialWriting()
}

func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	return v.inner.Close()
}

func (v *VFS) wrap(e layerfs.Element) layerfs.Element {
	switch e := e.(type) {
	case layerfs.Dir:
		return &dir{v: v, inner: e}
	case layerfs.File:
		return &file{v: v, inner: e}
	}
	return e
}

type dir struct {
	v     *VFS
	inner layerfs.Dir
}

func (d *dir) Name() string               { return d.inner.Name() }
func (d *dir) Location() layerfs.Location { return d.inner.Location() }

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	c, err := d.inner.Dir(name)
	if err != nil {
		return nil, err
	}
	return &dir{v: d.v, inner: c}, nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	c, err := d.inner.File(name)
	if err != nil {
		return nil, err
	}
	return &file{v: d.v, inner: c}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	c, err := d.inner.CreateDir(name)
	if err != nil {
		return nil, err
	}
	return &dir{v: d.v, inner: c}, nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	c, err := d.inner.CreateFile(name)
	if err != nil {
		return nil, err
	}
	return &file{v: d.v, inner: c}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	children, err := d.inner.List()
	if err != nil {
		return nil, err
	}
	out := make([]layerfs.Element, len(children))
	for i, c := range children {
		out[i] = d.v.wrap(c)
	}
	return out, nil
}

func (d *dir) Delete() error { return d.inner.Delete() }

type file struct {
	v     *VFS
	inner layerfs.File
}

func (f *file) Name() string               { return f.inner.Name() }
func (f *file) Location() layerfs.Location { return f.inner.Location() }

func (f *file) Open() (io.ReadCloser, error) {
	rc, err := f.inner.Open()
	if err != nil {
		return nil, err
	}
	// Files created but never written are stored empty, not as an empty
	// deflate stream.
	br := bufio.NewReader(rc)
	if _, err := br.Peek(1); err == io.EOF {
		return &reader{fr: io.NopCloser(br), src: rc}, nil
	}
	return &reader{fr: flate.NewReader(br), src: rc}, nil
}

func (f *file) Create() (io.WriteCloser, error) {
	wc, err := f.inner.Create()
	if err != nil {
		return nil, err
	}
	fw, err := flate.NewWriter(wc, f.v.level)
	if err != nil {
		wc.Close()
		return nil, err
	}
	return &writer{fw: fw, dst: wc}, nil
}

func (f *file) Delete() error               { return f.inner.Delete() }
func (f *file) ModTime() (time.Time, error) { return f.inner.ModTime() }
func (f *file) Digest() (string, bool)      { return f.inner.Digest() }

type reader struct {
	fr  io.ReadCloser
	src io.ReadCloser
}

func (r *reader) Read(p []byte) (int, error) {
	return r.fr.Read(p)
}

func (r *reader) Close() error {
	return errors.Join(r.fr.Close(), r.src.Close())
}

// writer flushes the compressor before closing the stream below it.
type writer struct {
	fw     *flate.Writer
	dst    io.WriteCloser
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.fw.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.fw.Close(), w.dst.Close())
}
