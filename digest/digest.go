// Package digest is a filter that records a content digest for every file
// written through it and persists the table in a "digest" sidecar file at the
// root of the VFS below it.
//
// The sidecar holds one line per file, sorted by path,
//
//	sha256-9f86d08...:a/b.txt
//
// followed by a line digesting all the preceding bytes:
//
//	sha256-2c26b46...:digest
package digest

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// SidecarName is the name of the sidecar file at the inner root. It is hidden
// from the filtered tree.
const SidecarName = "digest"

var sidecarPath = layerfs.P(SidecarName)

type config struct {
	algorithm string
}

// Option configures New.
type Option func(*config)

// WithAlgorithm selects the digest algorithm for new entries. See Algorithms.
func WithAlgorithm(name string) Option {
	return func(c *config) {
		c.algorithm = name
	}
}

// VFS records digests of written files.
type VFS struct {
	inner     layerfs.VFS
	algorithm string
	newHash   func() hash.Hash

	mu      sync.Mutex
	entries map[layerfs.Path]string
	whole   string

	closed atomic.Bool
}

// New wraps inner, loading its sidecar. A missing sidecar is accepted only if
// inner is empty. The returned VFS owns inner and closes it.
func New(inner layerfs.VFS, opts ...Option) (*VFS, error) {
	cfg := config{algorithm: DefaultAlgorithm}
	for _, opt := range opts {
		opt(&cfg)
	}
	newHash, err := Hasher(cfg.algorithm)
	if err != nil {
		return nil, err
	}
	v := &VFS{
		inner:     inner,
		algorithm: cfg.algorithm,
		newHash:   newHash,
		entries:   make(map[layerfs.Path]string),
	}
	if inner.Capabilities().Has(layerfs.Read) {
		if err := v.load(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *VFS) load() error {
	f, err := v.inner.Root().File(SidecarName)
	if errors.Is(err, layerfs.ErrNoSuchFile) {
		empty, err := layerfs.IsEmpty(v.inner.Root())
		if err != nil {
			return err
		}
		if !empty {
			return layerfs.PathError("open", sidecarPath,
				fmt.Errorf("%w: %s has content but no digest file", layerfs.ErrWrongFormat, v.inner.Description()))
		}
		return nil
	}
	if err != nil {
		return err
	}

	r, err := f.Open()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return layerfs.PathError("read", sidecarPath, err)
	}
	entries, err := parse(data)
	if err != nil {
		return layerfs.PathError("read", sidecarPath, err)
	}
	v.entries = entries

	log.Debug().
		Str("vfs", v.inner.Description()).
		Int("entries", len(entries)).
		Msg("digest: sidecar loaded")
	return nil
}

func badFormat(format string, args ...any) error {
	return fmt.Errorf("%w: %s", layerfs.ErrBadFormat, fmt.Sprintf(format, args...))
}

// parse reads a sidecar and checks its final self-digest line.
func parse(data []byte) (map[layerfs.Path]string, error) {
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return nil, badFormat("digest file is not newline terminated")
	}
	body := data[:len(data)-1]
	start := bytes.LastIndexByte(body, '\n') + 1
	preceding, self := data[:start], string(body[start:])

	want, name, ok := strings.Cut(self, ":")
	if !ok || name != SidecarName {
		return nil, badFormat("missing self digest line")
	}
	algorithm, _, err := Split(want)
	if err != nil {
		return nil, badFormat("self digest: %v", err)
	}
	got, err := Sum(algorithm, preceding)
	if err != nil {
		return nil, badFormat("%v", err)
	}
	if got != want {
		return nil, badFormat("self digest mismatch: recorded %s, computed %s", want, got)
	}

	entries := make(map[layerfs.Path]string)
	if len(preceding) == 0 {
		return entries, nil
	}
	for i, line := range strings.Split(string(preceding[:len(preceding)-1]), "\n") {
		sum, path, ok := strings.Cut(line, ":")
		if !ok {
			return nil, badFormat("line %d: %q", i+1, line)
		}
		if _, _, err := Split(sum); err != nil {
			return nil, badFormat("line %d: %v", i+1, err)
		}
		p, err := layerfs.ParsePath(path, '/')
		if err != nil || p.IsRoot() {
			return nil, badFormat("line %d: bad path %q", i+1, path)
		}
		entries[p] = sum
	}
	return entries, nil
}

// Digest returns a digest over every recorded entry. It is cached until the
// next write or delete.
func (v *VFS) Digest() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.whole == "" {
		h := v.newHash()
		v.writeEntries(h)
		v.whole = Format(v.algorithm, h)
	}
	return v.whole
}

// writeEntries writes the sorted entry lines to w. Callers hold v.mu.
func (v *VFS) writeEntries(w io.Writer) error {
	paths := make([]layerfs.Path, 0, len(v.entries))
	for p := range v.entries {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	for _, p := range paths {
		if _, err := fmt.Fprintf(w, "%s:%s\n", v.entries[p], p); err != nil {
			return err
		}
	}
	return nil
}

func (v *VFS) record(p layerfs.Path, sum string) {
	v.mu.Lock()
	v.entries[p] = sum
	v.whole = ""
	v.mu.Unlock()
}

func (v *VFS) invalidate() {
	v.mu.Lock()
	v.whole = ""
	v.mu.Unlock()
}

func (v *VFS) lookup(p layerfs.Path) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sum, ok := v.entries[p]
	return sum, ok
}

// forget drops the entry for p and every entry below it.
func (v *VFS) forget(p layerfs.Path) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for e := range v.entries {
		if e.HasPrefix(p) {
			delete(v.entries, e)
		}
	}
	v.whole = ""
}

func (v *VFS) Root() layerfs.Dir {
	return &dir{v: v, path: layerfs.Root, inner: v.inner.Root()}
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.inner.Capabilities().With(layerfs.Digest)
}

func (v *VFS) Description() string {
	return fmt.Sprintf("digest(%s)", v.inner.Description())
}

func (v *VFS) NeedsSequentialWriting() bool {
	return v.inner.NeedsSequentialWriting()
}

// Close writes the sidecar, when the inner VFS is writable, and then closes
// the inner VFS.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if v.inner.Capabilities().Has(layerfs.Write) {
		if err := v.save(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.inner.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, v.Description(), errors.Join(errs...))
	}
	return nil
}

func (v *VFS) save() error {
	f, err := v.inner.Root().CreateFile(SidecarName)
	if err != nil {
		return err
	}
	w, err := f.Create()
	if err != nil {
		return err
	}

	v.mu.Lock()
	h := v.newHash()
	err = v.writeEntries(io.MultiWriter(w, h))
	n := len(v.entries)
	v.mu.Unlock()
	if err == nil {
		_, err = fmt.Fprintf(w, "%s:%s\n", Format(v.algorithm, h), SidecarName)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return layerfs.PathError("write", sidecarPath, err)
	}

	log.Debug().
		Str("vfs", v.inner.Description()).
		Int("entries", n).
		Msg("digest: sidecar written")
	return nil
}

func (v *VFS) wrap(p layerfs.Path, e layerfs.Element) layerfs.Element {
	switch e := e.(type) {
	case layerfs.Dir:
		return &dir{v: v, path: p, inner: e}
	case layerfs.File:
		return &file{v: v, path: p, inner: e}
	}
	return e
}

type dir struct {
	v     *VFS
	path  layerfs.Path
	inner layerfs.Dir
}

func (d *dir) Name() string               { return d.inner.Name() }
func (d *dir) Location() layerfs.Location { return d.inner.Location() }

// hidden reports whether name is the sidecar as seen from d.
func (d *dir) hidden(name string) bool {
	return name == SidecarName && d.path.IsRoot()
}

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	if d.hidden(name) {
		return nil, layerfs.PathError("lookup", sidecarPath, layerfs.ErrNoSuchFile)
	}
	c, err := d.inner.Dir(name)
	if err != nil {
		return nil, err
	}
	return &dir{v: d.v, path: d.path.Child(name), inner: c}, nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	if d.hidden(name) {
		return nil, layerfs.PathError("lookup", sidecarPath, layerfs.ErrNoSuchFile)
	}
	c, err := d.inner.File(name)
	if err != nil {
		return nil, err
	}
	return &file{v: d.v, path: d.path.Child(name), inner: c}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	if d.hidden(name) {
		return nil, layerfs.PathError("mkdir", sidecarPath, fmt.Errorf("%w: name is reserved", layerfs.ErrCannotCreate))
	}
	c, err := d.inner.CreateDir(name)
	if err != nil {
		return nil, err
	}
	return &dir{v: d.v, path: d.path.Child(name), inner: c}, nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	if d.hidden(name) {
		return nil, layerfs.PathError("create", sidecarPath, fmt.Errorf("%w: name is reserved", layerfs.ErrCannotCreate))
	}
	c, err := d.inner.CreateFile(name)
	if err != nil {
		return nil, err
	}
	return &file{v: d.v, path: d.path.Child(name), inner: c}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	children, err := d.inner.List()
	if err != nil {
		return nil, err
	}
	out := make([]layerfs.Element, 0, len(children))
	for _, c := range children {
		if d.hidden(c.Name()) {
			continue
		}
		out = append(out, d.v.wrap(d.path.Child(c.Name()), c))
	}
	return out, nil
}

func (d *dir) Delete() error {
	if err := d.inner.Delete(); err != nil {
		return err
	}
	d.v.forget(d.path)
	return nil
}

type file struct {
	v     *VFS
	path  layerfs.Path
	inner layerfs.File
}

func (f *file) Name() string               { return f.inner.Name() }
func (f *file) Location() layerfs.Location { return f.inner.Location() }

func (f *file) Open() (io.ReadCloser, error) {
	return f.inner.Open()
}

func (f *file) Create() (io.WriteCloser, error) {
	w, err := f.inner.Create()
	if err != nil {
		return nil, err
	}
	f.v.invalidate()
	return &writer{v: f.v, path: f.path, dst: w, h: f.v.newHash()}, nil
}

func (f *file) Delete() error {
	if err := f.inner.Delete(); err != nil {
		return err
	}
	f.v.forget(f.path)
	return nil
}

func (f *file) ModTime() (time.Time, error) { return f.inner.ModTime() }

func (f *file) Digest() (string, bool) {
	return f.v.lookup(f.path)
}

// writer hashes everything written and records the digest once the stream
// below closes cleanly.
type writer struct {
	v      *VFS
	path   layerfs.Path
	dst    io.WriteCloser
	h      hash.Hash
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.h.Write(p[:n])
	return n, err
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.dst.Close(); err != nil {
		return err
	}
	w.v.record(w.path, Format(w.v.algorithm, w.h))
	return nil
}
