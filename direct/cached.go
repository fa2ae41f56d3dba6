package direct

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// Cached is a real directory whose tree is scanned once at construction and
// then served from memory. Mutations go to disk first and then update the
// in-memory tree. Every stream it hands out is tracked; closing the VFS while
// one is still open is a contract violation.
type Cached struct {
	root    string
	perms   layerfs.Capabilities
	caps    layerfs.Capabilities
	top     *cdir
	streams *registry
	watch   *watcher
	closed  atomic.Bool
}

// NewCached scans the directory root and serves it from memory. With
// WithWatch, any outside change to the directory makes later operations fail
// with layerfs.ErrConcurrentIO.
func NewCached(root string, perms layerfs.Capabilities, opts ...Option) (*Cached, error) {
	abs, err := openRoot(root)
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	v := &Cached{
		root:    abs,
		perms:   perms & (layerfs.Read | layerfs.Write),
		streams: newRegistry(),
	}
	v.caps = capabilities(v.perms, cfg)
	v.top = v.newDir(nil, layerfs.Root)

	var dirs []string
	if err := v.scan(v.top, &dirs); err != nil {
		return nil, err
	}
	if cfg.watch {
		if v.watch, err = newWatcher(dirs); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
		}
	}

	log.Debug().
		Str("root", abs).
		Str("caps", v.caps.String()).
		Int("dirs", len(dirs)).
		Bool("watch", cfg.watch).
		Msg("direct: scanned")
	return v, nil
}

func (v *Cached) scan(d *cdir, dirs *[]string) error {
	osPath := v.osPath(d.path)
	*dirs = append(*dirs, osPath)
	entries, err := readDir(osPath, d.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := d.path.Child(e.name)
		if !e.dir {
			d.children.Put(&cfile{v: v, parent: d, path: p})
			continue
		}
		child := v.newDir(d, p)
		d.children.Put(child)
		if err := v.scan(child, dirs); err != nil {
			return err
		}
	}
	return nil
}

func (v *Cached) newDir(parent *cdir, p layerfs.Path) *cdir {
	return &cdir{v: v, parent: parent, path: p, children: layerfs.NewDirCache(p)}
}

func (v *Cached) Root() layerfs.Dir {
	return v.top
}

func (v *Cached) Capabilities() layerfs.Capabilities {
	return v.caps
}

func (v *Cached) Description() string {
	return fmt.Sprintf("cached directory %q", v.root)
}

func (v *Cached) NeedsSequentialWriting() bool {
	return !v.caps.Has(layerfs.ParallelWrite)
}

// Close stops the watcher and checks that every stream was closed.
func (v *Cached) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if v.watch != nil {
		err = v.watch.close()
	}
	if leaks := v.streams.leaks(); len(leaks) > 0 {
		layerfs.Violate("close", layerfs.ErrStreamLeak, "%s: %d still open: %s",
			v.Description(), len(leaks), strings.Join(leaks, ", "))
	}
	log.Debug().Str("root", v.root).Msg("direct: closed")
	return err
}

func (v *Cached) osPath(p layerfs.Path) string {
	return filepath.Join(v.root, p.Format(filepath.Separator))
}

func (v *Cached) require(op string, perm layerfs.Capabilities) {
	if v.closed.Load() {
		layerfs.Violate(op, layerfs.ErrClosed, "%s", v.Description())
	}
	if !v.perms.Has(perm) {
		layerfs.Violate(op, layerfs.ErrWrongPermission, "%s was opened without %s", v.Description(), perm)
	}
}

// check fails once the watcher has seen an outside modification.
func (v *Cached) check(op string, p layerfs.Path) error {
	if v.watch == nil {
		return nil
	}
	if err := v.watch.err(); err != nil {
		return layerfs.PathError(op, p, err)
	}
	return nil
}

func (v *Cached) expect(osPath string) {
	if v.watch != nil {
		v.watch.expect(osPath)
	}
}

type cdir struct {
	v        *Cached
	parent   *cdir
	path     layerfs.Path
	children *layerfs.DirCache
}

func (d *cdir) Name() string { return d.path.LastSegment() }

func (d *cdir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.v.Description())
}

func (d *cdir) Dir(name string) (layerfs.Dir, error) {
	if err := d.v.check("lookup", d.path.Child(name)); err != nil {
		return nil, err
	}
	return d.children.Dir(name)
}

func (d *cdir) File(name string) (layerfs.File, error) {
	if err := d.v.check("lookup", d.path.Child(name)); err != nil {
		return nil, err
	}
	return d.children.File(name)
}

func (d *cdir) CreateDir(name string) (layerfs.Dir, error) {
	d.v.require("mkdir", layerfs.Write)
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("mkdir", p, err)
	}
	if err := d.v.check("mkdir", p); err != nil {
		return nil, err
	}
	return d.children.CreateDir(name, func() (layerfs.Dir, error) {
		osPath := d.v.osPath(p)
		d.v.expect(osPath)
		if err := mkdir(osPath, p); err != nil {
			return nil, err
		}
		if d.v.watch != nil {
			d.v.watch.add(osPath)
		}
		return d.v.newDir(d, p), nil
	})
}

func (d *cdir) CreateFile(name string) (layerfs.File, error) {
	d.v.require("create", layerfs.Write)
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("create", p, err)
	}
	if err := d.v.check("create", p); err != nil {
		return nil, err
	}
	return d.children.CreateFile(name, func() (layerfs.File, error) {
		osPath := d.v.osPath(p)
		d.v.expect(osPath)
		if err := touch(osPath, p); err != nil {
			return nil, err
		}
		return &cfile{v: d.v, parent: d, path: p}, nil
	})
}

func (d *cdir) List() ([]layerfs.Element, error) {
	if err := d.v.check("list", d.path); err != nil {
		return nil, err
	}
	return d.children.List(), nil
}

func (d *cdir) Delete() error {
	d.v.require("delete", layerfs.Write)
	if d.parent == nil {
		return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
	}
	if err := d.v.check("delete", d.path); err != nil {
		return err
	}
	osPath := d.v.osPath(d.path)
	if d.v.watch != nil {
		d.v.watch.expectTree(osPath)
	}
	if err := removeAll(osPath, d.path); err != nil {
		return err
	}
	d.parent.children.Remove(d.Name())
	return nil
}

type cfile struct {
	v      *Cached
	parent *cdir
	path   layerfs.Path
}

func (f *cfile) Name() string { return f.path.LastSegment() }

func (f *cfile) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.v.Description())
}

func (f *cfile) Open() (io.ReadCloser, error) {
	f.v.require("open", layerfs.Read)
	if err := f.v.check("open", f.path); err != nil {
		return nil, err
	}
	r, err := openFile(f.v.osPath(f.path), f.path)
	if err != nil {
		return nil, err
	}
	return &trackedReader{ReadCloser: r, t: f.v.streams.acquire("read " + f.path.String())}, nil
}

func (f *cfile) Create() (io.WriteCloser, error) {
	f.v.require("create", layerfs.Write)
	if err := f.v.check("create", f.path); err != nil {
		return nil, err
	}
	osPath := f.v.osPath(f.path)
	f.v.expect(osPath)
	w, err := createFile(osPath, f.path)
	if err != nil {
		return nil, err
	}
	return &trackedWriter{WriteCloser: w, t: f.v.streams.acquire("write " + f.path.String())}, nil
}

func (f *cfile) Delete() error {
	f.v.require("delete", layerfs.Write)
	if err := f.v.check("delete", f.path); err != nil {
		return err
	}
	osPath := f.v.osPath(f.path)
	f.v.expect(osPath)
	if err := remove(osPath, f.path); err != nil {
		return err
	}
	f.parent.children.Remove(f.Name())
	return nil
}

func (f *cfile) ModTime() (time.Time, error) {
	info, err := stat(f.v.osPath(f.path), "stat", f.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f *cfile) Digest() (string, bool) { return "", false }
