package zipfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// Writer is a write-only VFS that streams entries into a new archive. Only one
// output stream may be open at a time.
type Writer struct {
	path string
	f    *os.File
	zw   *zip.Writer
	top  *wdir

	mu      sync.Mutex
	active  *entryWriter
	emitted map[layerfs.Path]bool
	closed  atomic.Bool
}

// Create creates (or truncates) the archive at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create zip %s: %w", path, err)
	}
	w := &Writer{
		path:    path,
		f:       f,
		zw:      zip.NewWriter(f),
		emitted: make(map[layerfs.Path]bool),
	}
	w.top = w.newDir(layerfs.Root)
	return w, nil
}

func (w *Writer) newDir(p layerfs.Path) *wdir {
	return &wdir{w: w, path: p, children: layerfs.NewDirCache(p)}
}

func (w *Writer) Root() layerfs.Dir {
	return w.top
}

func (w *Writer) Capabilities() layerfs.Capabilities {
	return layerfs.Write | layerfs.CaseSensitive | layerfs.UniqueElement
}

func (w *Writer) Description() string {
	return description(w.path)
}

func (w *Writer) NeedsSequentialWriting() bool {
	return true
}

// Close writes an empty entry for every file that was created but never
// written, then finishes the archive.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	if w.active != nil {
		log.Warn().
			Str("entry", w.active.path.String()).
			Str("zip", w.path).
			Msg("zipfs: output stream still open at close")
		w.active = nil
	}
	w.mu.Unlock()

	var errs []error
	err := layerfs.Walk(w.top, func(p layerfs.Path, e layerfs.Element) error {
		if layerfs.IsDir(e) || w.emitted[p] {
			return nil
		}
		_, err := w.zw.CreateHeader(header(p))
		return err
	})
	if err != nil {
		errs = append(errs, err)
	}
	if err := w.zw.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, w.Description(), errors.Join(errs...))
	}

	log.Debug().
		Str("path", w.path).
		Int("entries", len(w.emitted)).
		Msg("zipfs: archive written")
	return nil
}

func (w *Writer) require(op string) {
	if w.closed.Load() {
		layerfs.Violate(op, layerfs.ErrClosed, "%s", w.Description())
	}
}

func header(p layerfs.Path) *zip.FileHeader {
	return &zip.FileHeader{
		Name:     p.String(),
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
}

// open starts the entry for p, enforcing one stream at a time.
func (w *Writer) open(p layerfs.Path) (io.WriteCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		layerfs.Violate("create", layerfs.ErrSequentialWrite,
			"%s: %q still open while opening %q", w.Description(), w.active.path.String(), p.String())
	}
	if w.emitted[p] {
		return nil, layerfs.PathError("create", p, fmt.Errorf("%w: entry already written", layerfs.ErrCannotCreate))
	}
	zf, err := w.zw.CreateHeader(header(p))
	if err != nil {
		return nil, layerfs.PathError("create", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
	}
	w.emitted[p] = true
	ew := &entryWriter{w: w, path: p, dst: zf}
	w.active = ew
	return ew, nil
}

type entryWriter struct {
	w    *Writer
	path layerfs.Path
	dst  io.Writer
	once sync.Once
}

func (e *entryWriter) Write(b []byte) (int, error) {
	return e.dst.Write(b)
}

func (e *entryWriter) Close() error {
	e.once.Do(func() {
		e.w.mu.Lock()
		if e.w.active == e {
			e.w.active = nil
		}
		e.w.mu.Unlock()
		log.Debug().Str("entry", e.path.String()).Msg("zipfs: entry emitted")
	})
	return nil
}

type wdir struct {
	w        *Writer
	path     layerfs.Path
	children *layerfs.DirCache
}

func (d *wdir) Name() string { return d.path.LastSegment() }

func (d *wdir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.w.Description())
}

func (d *wdir) Dir(name string) (layerfs.Dir, error) {
	return d.children.Dir(name)
}

func (d *wdir) File(name string) (layerfs.File, error) {
	return d.children.File(name)
}

func (d *wdir) CreateDir(name string) (layerfs.Dir, error) {
	d.w.require("mkdir")
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("mkdir", p, err)
	}
	return d.children.CreateDir(name, func() (layerfs.Dir, error) {
		return d.w.newDir(p), nil
	})
}

func (d *wdir) CreateFile(name string) (layerfs.File, error) {
	d.w.require("create")
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("create", p, err)
	}
	return d.children.CreateFile(name, func() (layerfs.File, error) {
		return &wfile{w: d.w, path: p}, nil
	})
}

func (d *wdir) List() ([]layerfs.Element, error) {
	return d.children.List(), nil
}

func (d *wdir) Delete() error {
	return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
}

type wfile struct {
	w    *Writer
	path layerfs.Path
}

func (f *wfile) Name() string { return f.path.LastSegment() }

func (f *wfile) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.w.Description())
}

func (f *wfile) Open() (io.ReadCloser, error) {
	layerfs.Violate("open", layerfs.ErrWrongPermission, "%s is write-only", f.w.Description())
	return nil, nil
}

func (f *wfile) Create() (io.WriteCloser, error) {
	f.w.require("create")
	return f.w.open(f.path)
}

func (f *wfile) Delete() error {
	return layerfs.PathError("delete", f.path, layerfs.ErrCannotDelete)
}

func (f *wfile) ModTime() (time.Time, error) {
	return time.Now(), nil
}

func (f *wfile) Digest() (string, bool) { return "", false }
