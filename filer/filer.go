// Package filer exposes any absfs.FileSystem as a layerfs.VFS. NewMemory
// builds one over a fresh memfs, which is the usual scratch or test layer.
package filer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

type config struct {
	description string
	sequential  bool
}

// Option configures New and NewMemory.
type Option func(*config)

// WithDescription sets the text returned by Description.
func WithDescription(desc string) Option {
	return func(c *config) {
		c.description = desc
	}
}

// WithSequentialWrites withholds ParallelWrite, for filesystems that cannot
// take concurrent writers.
func WithSequentialWrites() Option {
	return func(c *config) {
		c.sequential = true
	}
}

// VFS adapts an absfs.FileSystem.
type VFS struct {
	fsys   absfs.FileSystem
	perms  layerfs.Capabilities
	caps   layerfs.Capabilities
	desc   string
	closed atomic.Bool
}

// New wraps fsys. perms selects which of layerfs.Read and layerfs.Write the
// instance permits.
func New(fsys absfs.FileSystem, perms layerfs.Capabilities, opts ...Option) *VFS {
	cfg := config{description: "absfs"}
	for _, opt := range opts {
		opt(&cfg)
	}
	perms &= layerfs.Read | layerfs.Write
	caps := perms | layerfs.CaseSensitive | layerfs.UniqueElement
	if perms.Has(layerfs.Read) {
		caps = caps.With(layerfs.ParallelRead)
	}
	if perms.Has(layerfs.Write) && !cfg.sequential {
		caps = caps.With(layerfs.ParallelWrite)
	}
	return &VFS{fsys: fsys, perms: perms, caps: caps, desc: cfg.description}
}

// NewMemory returns a readable and writable VFS over an empty memfs.
func NewMemory(opts ...Option) (*VFS, error) {
	mfs, err := memfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create memfs: %w", err)
	}
	opts = append([]Option{WithDescription("memory")}, opts...)
	return New(mfs, layerfs.Read|layerfs.Write, opts...), nil
}

// FileSystem returns the wrapped filesystem.
func (v *VFS) FileSystem() absfs.FileSystem {
	return v.fsys
}

func (v *VFS) Root() layerfs.Dir {
	return &dir{v: v}
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.caps
}

func (v *VFS) Description() string {
	return v.desc
}

func (v *VFS) NeedsSequentialWriting() bool {
	return !v.caps.Has(layerfs.ParallelWrite)
}

// Close marks the instance closed. The wrapped filesystem is left alone.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debug().Str("vfs", v.desc).Msg("filer: closed")
	return nil
}

func (v *VFS) require(op string, perm layerfs.Capabilities) {
	if v.closed.Load() {
		layerfs.Violate(op, layerfs.ErrClosed, "%s", v.desc)
	}
	if !v.perms.Has(perm) {
		layerfs.Violate(op, layerfs.ErrWrongPermission, "%s was opened without %s", v.desc, perm)
	}
}

// name converts p to the absolute name absfs expects.
func name(p layerfs.Path) string {
	return "/" + p.String()
}

func (v *VFS) stat(op string, p layerfs.Path) (os.FileInfo, error) {
	info, err := v.fsys.Stat(name(p))
	if err != nil {
		return nil, layerfs.PathError(op, p, translate(err))
	}
	return info, nil
}

// translate maps absfs errors onto the layerfs taxonomy.
func translate(err error) error {
	if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
		return layerfs.ErrNoSuchFile
	}
	return err
}

type dir struct {
	v    *VFS
	path layerfs.Path
}

func (d *dir) Name() string { return d.path.LastSegment() }

func (d *dir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.v.desc)
}

func (d *dir) child(op, n string) (layerfs.Path, error) {
	p := d.path.Child(n)
	if err := layerfs.ValidName(n); err != nil {
		return p, layerfs.PathError(op, p, err)
	}
	return p, nil
}

func (d *dir) Dir(n string) (layerfs.Dir, error) {
	p, err := d.child("lookup", n)
	if err != nil {
		return nil, err
	}
	info, err := d.v.stat("lookup", p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotDirectory)
	}
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) File(n string) (layerfs.File, error) {
	p, err := d.child("lookup", n)
	if err != nil {
		return nil, err
	}
	info, err := d.v.stat("lookup", p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotFile)
	}
	return &file{v: d.v, path: p}, nil
}

func (d *dir) CreateDir(n string) (layerfs.Dir, error) {
	d.v.require("mkdir", layerfs.Write)
	p, err := d.child("mkdir", n)
	if err != nil {
		return nil, err
	}
	if info, err := d.v.fsys.Stat(name(p)); err == nil {
		if !info.IsDir() {
			return nil, layerfs.PathError("mkdir", p, layerfs.ErrNotDirectory)
		}
		return &dir{v: d.v, path: p}, nil
	}
	if err := d.v.fsys.Mkdir(name(p), 0o755); err != nil {
		return nil, layerfs.PathError("mkdir", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
	}
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) CreateFile(n string) (layerfs.File, error) {
	d.v.require("create", layerfs.Write)
	p, err := d.child("create", n)
	if err != nil {
		return nil, err
	}
	if info, err := d.v.fsys.Stat(name(p)); err == nil {
		if info.IsDir() {
			return nil, layerfs.PathError("create", p, layerfs.ErrNotFile)
		}
		return &file{v: d.v, path: p}, nil
	}
	f, err := d.v.fsys.OpenFile(name(p), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, layerfs.PathError("create", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
	}
	if err := f.Close(); err != nil {
		return nil, layerfs.PathError("create", p, err)
	}
	return &file{v: d.v, path: p}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	f, err := d.v.fsys.Open(name(d.path))
	if err != nil {
		return nil, layerfs.PathError("list", d.path, translate(err))
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, layerfs.PathError("list", d.path, err)
	}
	out := make([]layerfs.Element, 0, len(infos))
	for _, info := range infos {
		n := info.Name()
		if n == "." || n == ".." {
			continue
		}
		p := d.path.Child(n)
		if info.IsDir() {
			out = append(out, &dir{v: d.v, path: p})
		} else {
			out = append(out, &file{v: d.v, path: p})
		}
	}
	sortElements(out)
	return out, nil
}

func (d *dir) Delete() error {
	d.v.require("delete", layerfs.Write)
	if d.path.IsRoot() {
		return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
	}
	if _, err := d.v.stat("delete", d.path); err != nil {
		return err
	}
	if err := d.v.fsys.RemoveAll(name(d.path)); err != nil {
		return layerfs.PathError("delete", d.path, fmt.Errorf("%w: %w", layerfs.ErrCannotDelete, err))
	}
	return nil
}

type file struct {
	v    *VFS
	path layerfs.Path
}

func (f *file) Name() string { return f.path.LastSegment() }

func (f *file) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.v.desc)
}

func (f *file) Open() (io.ReadCloser, error) {
	f.v.require("open", layerfs.Read)
	r, err := f.v.fsys.Open(name(f.path))
	if err != nil {
		return nil, layerfs.PathError("open", f.path, translate(err))
	}
	return r, nil
}

func (f *file) Create() (io.WriteCloser, error) {
	f.v.require("create", layerfs.Write)
	w, err := f.v.fsys.OpenFile(name(f.path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, layerfs.PathError("create", f.path, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
	}
	return w, nil
}

func (f *file) Delete() error {
	f.v.require("delete", layerfs.Write)
	if _, err := f.v.stat("delete", f.path); err != nil {
		return err
	}
	if err := f.v.fsys.Remove(name(f.path)); err != nil {
		return layerfs.PathError("delete", f.path, fmt.Errorf("%w: %w", layerfs.ErrCannotDelete, err))
	}
	return nil
}

func (f *file) ModTime() (time.Time, error) {
	info, err := f.v.stat("stat", f.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f *file) Digest() (string, bool) { return "", false }

func sortElements(es []layerfs.Element) {
	sort.Slice(es, func(i, j int) bool { return es[i].Name() < es[j].Name() })
}
