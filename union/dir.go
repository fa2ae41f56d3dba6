package union

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/absfs/layerfs"
)

// dir merges the directories at one path across all layers. Non-root
// directories start unloaded and collect their layer directories from the
// parent on first use.
type dir struct {
	v      *VFS
	parent *dir
	path   layerfs.Path

	mu     sync.Mutex
	loaded bool
	layers []layerfs.Dir // indexed like v.layers, nil where the layer lacks the directory
}

func (d *dir) child(name string) *dir {
	return &dir{v: d.v, parent: d, path: d.path.Child(name)}
}

func (d *dir) Name() string { return d.path.LastSegment() }

func (d *dir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.v.Description())
}

// dirs returns a snapshot of the layer directories merged into d.
func (d *dir) dirs() ([]layerfs.Dir, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(); err != nil {
		return nil, err
	}
	return append([]layerfs.Dir(nil), d.layers...), nil
}

// load must be called with d.mu held. Locks are always taken child first,
// then parent.
func (d *dir) load() error {
	if d.loaded {
		return nil
	}
	parents, err := d.parent.dirs()
	if err != nil {
		return err
	}
	name := d.Name()
	layers := make([]layerfs.Dir, len(parents))
	found := false
	for i, pd := range parents {
		if pd == nil {
			continue
		}
		cd, err := pd.Dir(name)
		switch {
		case err == nil:
			layers[i] = cd
			found = true
		case errors.Is(err, layerfs.ErrNoSuchFile), errors.Is(err, layerfs.ErrNotDirectory):
		default:
			return err
		}
	}
	if !found {
		return layerfs.PathError("load", d.path, layerfs.ErrNoSuchFile)
	}
	d.layers = layers
	d.loaded = true
	return nil
}

// lookup finds name in a single layer directory, whatever its kind.
func lookup(ld layerfs.Dir, name string) (layerfs.Element, error) {
	cd, err := ld.Dir(name)
	if err == nil {
		return cd, nil
	}
	if !errors.Is(err, layerfs.ErrNotDirectory) {
		return nil, err
	}
	return ld.File(name)
}

// resolve returns the topmost layer holding name and its element there.
func (d *dir) resolve(op, name string) (int, layerfs.Element, error) {
	if err := layerfs.ValidName(name); err != nil {
		return -1, nil, layerfs.PathError(op, d.path, err)
	}
	p := d.path.Child(name)
	layers, err := d.dirs()
	if err != nil {
		return -1, nil, err
	}

	layer, isDir, found, absent := d.v.cache.get(p)
	if absent {
		return -1, nil, layerfs.PathError(op, p, layerfs.ErrNoSuchFile)
	}
	if found && layer < len(layers) && layers[layer] != nil {
		var (
			e   layerfs.Element
			err error
		)
		if isDir {
			e, err = layers[layer].Dir(name)
		} else {
			e, err = layers[layer].File(name)
		}
		if err == nil {
			return layer, e, nil
		}
		d.v.cache.invalidate(p)
	}

	for i, ld := range layers {
		if ld == nil {
			continue
		}
		e, err := lookup(ld, name)
		if errors.Is(err, layerfs.ErrNoSuchFile) {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		d.v.cache.put(p, i, layerfs.IsDir(e))
		return i, e, nil
	}
	d.v.cache.putNegative(p)
	return -1, nil, layerfs.PathError(op, p, layerfs.ErrNoSuchFile)
}

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	d.v.require("lookup")
	_, e, err := d.resolve("lookup", name)
	if err != nil {
		return nil, err
	}
	if _, ok := e.(layerfs.Dir); !ok {
		return nil, layerfs.PathError("lookup", d.path.Child(name), layerfs.ErrNotDirectory)
	}
	return d.child(name), nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	d.v.require("lookup")
	layer, e, err := d.resolve("lookup", name)
	if err != nil {
		return nil, err
	}
	inner, ok := e.(layerfs.File)
	if !ok {
		return nil, layerfs.PathError("lookup", d.path.Child(name), layerfs.ErrNotFile)
	}
	return &file{v: d.v, parent: d, path: d.path.Child(name), layer: layer, inner: inner}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	d.v.require("mkdir")
	p := d.path.Child(name)
	_, e, err := d.resolve("mkdir", name)
	switch {
	case err == nil:
		if _, ok := e.(layerfs.Dir); !ok {
			return nil, layerfs.PathError("mkdir", p, layerfs.ErrNotDirectory)
		}
		return d.child(name), nil
	case !errors.Is(err, layerfs.ErrNoSuchFile):
		return nil, err
	}

	if err := d.v.writable("mkdir", p); err != nil {
		return nil, err
	}
	top, err := d.promote()
	if err != nil {
		return nil, err
	}
	if _, err := top.CreateDir(name); err != nil {
		return nil, err
	}
	d.v.cache.invalidate(p)
	return d.child(name), nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	d.v.require("create")
	p := d.path.Child(name)
	layer, e, err := d.resolve("create", name)
	switch {
	case err == nil:
		inner, ok := e.(layerfs.File)
		if !ok {
			return nil, layerfs.PathError("create", p, layerfs.ErrNotFile)
		}
		return &file{v: d.v, parent: d, path: p, layer: layer, inner: inner}, nil
	case !errors.Is(err, layerfs.ErrNoSuchFile):
		return nil, err
	}

	if err := d.v.writable("create", p); err != nil {
		return nil, err
	}
	top, err := d.promote()
	if err != nil {
		return nil, err
	}
	inner, err := top.CreateFile(name)
	if err != nil {
		return nil, err
	}
	d.v.cache.invalidate(p)
	return &file{v: d.v, parent: d, path: p, layer: 0, inner: inner}, nil
}

// List merges the children of every layer. For a name present in several
// layers the topmost entry wins.
func (d *dir) List() ([]layerfs.Element, error) {
	d.v.require("list")
	layers, err := d.dirs()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var entries []layerfs.Element
	for i, ld := range layers {
		if ld == nil {
			continue
		}
		children, err := ld.List()
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			name := c.Name()
			if seen[name] {
				continue
			}
			seen[name] = true
			p := d.path.Child(name)
			switch e := c.(type) {
			case layerfs.Dir:
				entries = append(entries, d.child(name))
				d.v.cache.put(p, i, true)
			case layerfs.File:
				entries = append(entries, &file{v: d.v, parent: d, path: p, layer: i, inner: e})
				d.v.cache.put(p, i, false)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, nil
}

// Delete removes the directory from every layer holding it.
func (d *dir) Delete() error {
	d.v.require("delete")
	layers, err := d.dirs()
	if err != nil {
		return err
	}
	var holders []holder
	for i, ld := range layers {
		if ld != nil {
			holders = append(holders, holder{layer: i, el: ld})
		}
	}
	err = d.v.erase(d.path, holders)

	d.mu.Lock()
	if d.parent != nil {
		d.loaded = false
		d.layers = nil
	}
	d.mu.Unlock()
	return err
}

// file is the topmost layer's file at a path. Reads re-resolve so they see
// later writes through the union.
type file struct {
	v      *VFS
	parent *dir
	path   layerfs.Path
	layer  int
	inner  layerfs.File
}

func (f *file) Name() string { return f.path.LastSegment() }

func (f *file) Location() layerfs.Location { return f.inner.Location() }

// current resolves the file again from the parent.
func (f *file) current(op string) (layerfs.File, error) {
	_, e, err := f.parent.resolve(op, f.Name())
	if err != nil {
		return nil, err
	}
	inner, ok := e.(layerfs.File)
	if !ok {
		return nil, layerfs.PathError(op, f.path, layerfs.ErrNotFile)
	}
	return inner, nil
}

func (f *file) Open() (io.ReadCloser, error) {
	f.v.require("open")
	inner, err := f.current("open")
	if err != nil {
		return nil, err
	}
	return inner.Open()
}

// Create writes the new content into the top layer. Lower layers keep their
// copy, hidden below it.
func (f *file) Create() (io.WriteCloser, error) {
	f.v.require("create")
	if err := f.v.writable("create", f.path); err != nil {
		return nil, err
	}
	top, err := f.parent.promote()
	if err != nil {
		return nil, err
	}
	inner, err := top.CreateFile(f.Name())
	if err != nil {
		return nil, err
	}
	f.v.cache.invalidate(f.path)
	return inner.Create()
}

// Delete removes the file from every layer holding it.
func (f *file) Delete() error {
	f.v.require("delete")
	layers, err := f.parent.dirs()
	if err != nil {
		return err
	}
	var holders []holder
	for i, ld := range layers {
		if ld == nil {
			continue
		}
		lf, err := ld.File(f.Name())
		switch {
		case err == nil:
			holders = append(holders, holder{layer: i, el: lf})
		case errors.Is(err, layerfs.ErrNoSuchFile), errors.Is(err, layerfs.ErrNotFile):
		default:
			return err
		}
	}
	return f.v.erase(f.path, holders)
}

func (f *file) ModTime() (time.Time, error) {
	inner, err := f.current("stat")
	if err != nil {
		return time.Time{}, err
	}
	return inner.ModTime()
}

func (f *file) Digest() (string, bool) {
	inner, err := f.current("digest")
	if err != nil {
		return "", false
	}
	return inner.Digest()
}
