// Package direct exposes a real on-disk directory as a layerfs.VFS, either
// with live lookups (New) or through a tree scanned once at construction
// (NewCached).
package direct

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

type config struct {
	caseSensitive bool
	watch         bool
}

// Option configures New and NewCached.
type Option func(*config)

// WithCaseSensitive overrides the case sensitivity guessed from the host OS.
func WithCaseSensitive(sensitive bool) Option {
	return func(c *config) {
		c.caseSensitive = sensitive
	}
}

// WithWatch makes a cached VFS watch its backing directory and fail with
// layerfs.ErrConcurrentIO once anything else modifies it. It has no effect on
// New.
func WithWatch() Option {
	return func(c *config) {
		c.watch = true
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		caseSensitive: runtime.GOOS != "darwin" && runtime.GOOS != "windows",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// capabilities derives the advertised set from the permission bits.
func capabilities(perms layerfs.Capabilities, cfg config) layerfs.Capabilities {
	caps := layerfs.UniqueElement
	if perms.Has(layerfs.Read) {
		caps = caps.With(layerfs.Read | layerfs.ParallelRead)
	}
	if perms.Has(layerfs.Write) {
		caps = caps.With(layerfs.Write | layerfs.ParallelWrite)
	}
	if cfg.caseSensitive {
		caps = caps.With(layerfs.CaseSensitive)
	}
	return caps
}

func openRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &fs.PathError{Op: "open", Path: root, Err: layerfs.ErrNoSuchFile}
		}
		return "", err
	}
	if !info.IsDir() {
		return "", &fs.PathError{Op: "open", Path: root, Err: layerfs.ErrNotDirectory}
	}
	return abs, nil
}

// VFS is a real directory accessed with live stat calls.
type VFS struct {
	root   string
	perms  layerfs.Capabilities
	caps   layerfs.Capabilities
	closed atomic.Bool
}

// New opens the existing directory root. perms selects which of
// layerfs.Read and layerfs.Write the instance permits; using the other one is
// a contract violation.
func New(root string, perms layerfs.Capabilities, opts ...Option) (*VFS, error) {
	abs, err := openRoot(root)
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	v := &VFS{
		root:  abs,
		perms: perms & (layerfs.Read | layerfs.Write),
	}
	v.caps = capabilities(v.perms, cfg)

	log.Debug().
		Str("root", abs).
		Str("caps", v.caps.String()).
		Msg("direct: opened")
	return v, nil
}

func (v *VFS) Root() layerfs.Dir {
	return &dir{v: v}
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.caps
}

func (v *VFS) Description() string {
	return fmt.Sprintf("directory %q", v.root)
}

func (v *VFS) NeedsSequentialWriting() bool {
	return !v.caps.Has(layerfs.ParallelWrite)
}

// Close marks the instance closed. The directory itself needs no finalizing.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debug().Str("root", v.root).Msg("direct: closed")
	return nil
}

func (v *VFS) osPath(p layerfs.Path) string {
	return filepath.Join(v.root, p.Format(filepath.Separator))
}

func (v *VFS) require(op string, perm layerfs.Capabilities) {
	if v.closed.Load() {
		layerfs.Violate(op, layerfs.ErrClosed, "%s", v.Description())
	}
	if !v.perms.Has(perm) {
		layerfs.Violate(op, layerfs.ErrWrongPermission, "%s was opened without %s", v.Description(), perm)
	}
}

// stat classifies the entry at p: missing, directory or file.
func stat(osPath string, op string, p layerfs.Path) (fs.FileInfo, error) {
	info, err := os.Stat(osPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, layerfs.PathError(op, p, layerfs.ErrNoSuchFile)
		}
		return nil, layerfs.PathError(op, p, err)
	}
	return info, nil
}

type dir struct {
	v    *VFS
	path layerfs.Path
}

func (d *dir) Name() string { return d.path.LastSegment() }

func (d *dir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.v.Description())
}

func (d *dir) child(op, name string) (layerfs.Path, error) {
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return p, layerfs.PathError(op, p, err)
	}
	return p, nil
}

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	p, err := d.child("lookup", name)
	if err != nil {
		return nil, err
	}
	info, err := stat(d.v.osPath(p), "lookup", p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotDirectory)
	}
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	p, err := d.child("lookup", name)
	if err != nil {
		return nil, err
	}
	info, err := stat(d.v.osPath(p), "lookup", p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotFile)
	}
	return &file{v: d.v, path: p}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	d.v.require("mkdir", layerfs.Write)
	p, err := d.child("mkdir", name)
	if err != nil {
		return nil, err
	}
	if err := mkdir(d.v.osPath(p), p); err != nil {
		return nil, err
	}
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	d.v.require("create", layerfs.Write)
	p, err := d.child("create", name)
	if err != nil {
		return nil, err
	}
	if err := touch(d.v.osPath(p), p); err != nil {
		return nil, err
	}
	return &file{v: d.v, path: p}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	entries, err := readDir(d.v.osPath(d.path), d.path)
	if err != nil {
		return nil, err
	}
	out := make([]layerfs.Element, 0, len(entries))
	for _, e := range entries {
		p := d.path.Child(e.name)
		if e.dir {
			out = append(out, &dir{v: d.v, path: p})
		} else {
			out = append(out, &file{v: d.v, path: p})
		}
	}
	return out, nil
}

func (d *dir) Delete() error {
	d.v.require("delete", layerfs.Write)
	if d.path.IsRoot() {
		return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
	}
	return removeAll(d.v.osPath(d.path), d.path)
}

type file struct {
	v    *VFS
	path layerfs.Path
}

func (f *file) Name() string { return f.path.LastSegment() }

func (f *file) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.v.Description())
}

func (f *file) Open() (io.ReadCloser, error) {
	f.v.require("open", layerfs.Read)
	return openFile(f.v.osPath(f.path), f.path)
}

func (f *file) Create() (io.WriteCloser, error) {
	f.v.require("create", layerfs.Write)
	return createFile(f.v.osPath(f.path), f.path)
}

func (f *file) Delete() error {
	f.v.require("delete", layerfs.Write)
	return remove(f.v.osPath(f.path), f.path)
}

func (f *file) ModTime() (time.Time, error) {
	info, err := stat(f.v.osPath(f.path), "stat", f.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f *file) Digest() (string, bool) { return "", false }

// The helpers below are shared with the cached backend.

type dirEntry struct {
	name string
	dir  bool
}

// readDir lists a directory that is known to exist. A failure here means
// something outside the VFS removed or replaced it.
func readDir(osPath string, p layerfs.Path) ([]dirEntry, error) {
	entries, err := os.ReadDir(osPath)
	if err != nil {
		log.Error().
			Err(err).
			Str("path", osPath).
			Msg("direct: directory vanished while listing")
		return nil, layerfs.PathError("list", p, fmt.Errorf("%w: %w", layerfs.ErrConcurrentIO, err))
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		isDir := e.IsDir()
		if !e.Type().IsRegular() && !isDir {
			// Follow links and skip devices, sockets and the like.
			info, err := os.Stat(filepath.Join(osPath, e.Name()))
			if err != nil || (!info.IsDir() && !info.Mode().IsRegular()) {
				continue
			}
			isDir = info.IsDir()
		}
		out = append(out, dirEntry{name: e.Name(), dir: isDir})
	}
	return out, nil
}

func mkdir(osPath string, p layerfs.Path) error {
	err := os.Mkdir(osPath, 0o755)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Stat(osPath)
		if serr == nil && info.IsDir() {
			return nil
		}
		return layerfs.PathError("mkdir", p, layerfs.ErrNotDirectory)
	}
	return layerfs.PathError("mkdir", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
}

func touch(osPath string, p layerfs.Path) error {
	f, err := os.OpenFile(osPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		return f.Close()
	}
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Stat(osPath)
		if serr == nil && !info.IsDir() {
			return nil
		}
		return layerfs.PathError("create", p, layerfs.ErrNotFile)
	}
	return layerfs.PathError("create", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
}

func openFile(osPath string, p layerfs.Path) (*os.File, error) {
	f, err := os.Open(osPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, layerfs.PathError("open", p, layerfs.ErrNoSuchFile)
		}
		return nil, layerfs.PathError("open", p, err)
	}
	return f, nil
}

func createFile(osPath string, p layerfs.Path) (*os.File, error) {
	f, err := os.Create(osPath)
	if err != nil {
		return nil, layerfs.PathError("create", p, fmt.Errorf("%w: %w", layerfs.ErrCannotCreate, err))
	}
	return f, nil
}

func remove(osPath string, p layerfs.Path) error {
	err := os.Remove(osPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return layerfs.PathError("delete", p, layerfs.ErrNoSuchFile)
	}
	return layerfs.PathError("delete", p, fmt.Errorf("%w: %w", layerfs.ErrCannotDelete, err))
}

func removeAll(osPath string, p layerfs.Path) error {
	if _, err := stat(osPath, "delete", p); err != nil {
		return err
	}
	if err := os.RemoveAll(osPath); err != nil {
		return layerfs.PathError("delete", p, fmt.Errorf("%w: %w", layerfs.ErrCannotDelete, err))
	}
	return nil
}
