// Package archive holds the read-only in-memory tree that archive backends
// build by enumerating their entries up front.
package archive

import (
	"fmt"
	"io"
	"time"

	"github.com/absfs/layerfs"
)

// Opener opens the content of one archive entry.
type Opener func() (io.ReadCloser, error)

// Tree is an immutable directory tree over archive entries.
type Tree struct {
	desc string
	root *dir
}

// NewTree returns an empty tree. desc is used in locations and messages.
func NewTree(desc string) *Tree {
	t := &Tree{desc: desc}
	t.root = t.newDir(layerfs.Root)
	return t
}

func (t *Tree) newDir(p layerfs.Path) *dir {
	return &dir{t: t, path: p, children: layerfs.NewDirCache(p)}
}

// Root returns the root directory.
func (t *Tree) Root() layerfs.Dir {
	return t.root
}

// AddDir records the directory at p and its parents.
func (t *Tree) AddDir(p layerfs.Path) error {
	_, err := t.mkdirs(p)
	return err
}

// AddFile records the file at p, creating its parents. A later entry for the
// same path replaces the earlier one, matching how archive tools extract.
func (t *Tree) AddFile(p layerfs.Path, modTime time.Time, open Opener) error {
	if p.IsRoot() {
		return layerfs.PathError("read", p, layerfs.ErrBadFormat)
	}
	parent, err := t.mkdirs(p.Parent())
	if err != nil {
		return err
	}
	name := p.LastSegment()
	if e, ok := parent.children.Lookup(name); ok && layerfs.IsDir(e) {
		return layerfs.PathError("read", p, fmt.Errorf("%w: entry is both file and directory", layerfs.ErrBadFormat))
	}
	parent.children.Put(&file{t: t, path: p, modTime: modTime, open: open})
	return nil
}

func (t *Tree) mkdirs(p layerfs.Path) (*dir, error) {
	d := t.root
	cur := layerfs.Root
	for seg := range p.Segments() {
		cur = cur.Child(seg)
		e, ok := d.children.Lookup(seg)
		if !ok {
			next := t.newDir(cur)
			d.children.Put(next)
			d = next
			continue
		}
		next, ok := e.(*dir)
		if !ok {
			return nil, layerfs.PathError("read", cur, fmt.Errorf("%w: entry is both file and directory", layerfs.ErrBadFormat))
		}
		d = next
	}
	return d, nil
}

// Count returns the number of files in the tree.
func (t *Tree) Count() int {
	n := 0
	layerfs.Walk(t.root, func(_ layerfs.Path, e layerfs.Element) error {
		if !layerfs.IsDir(e) {
			n++
		}
		return nil
	})
	return n
}

func readOnly(op string, t *Tree) {
	layerfs.Violate(op, layerfs.ErrWrongPermission, "%s is read-only", t.desc)
}

type dir struct {
	t        *Tree
	path     layerfs.Path
	children *layerfs.DirCache
}

func (d *dir) Name() string { return d.path.LastSegment() }

func (d *dir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.t.desc)
}

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	return d.children.Dir(name)
}

func (d *dir) File(name string) (layerfs.File, error) {
	return d.children.File(name)
}

func (d *dir) CreateDir(string) (layerfs.Dir, error) {
	readOnly("mkdir", d.t)
	return nil, nil
}

func (d *dir) CreateFile(string) (layerfs.File, error) {
	readOnly("create", d.t)
	return nil, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	return d.children.List(), nil
}

func (d *dir) Delete() error {
	return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
}

type file struct {
	t       *Tree
	path    layerfs.Path
	modTime time.Time
	open    Opener
}

func (f *file) Name() string { return f.path.LastSegment() }

func (f *file) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.t.desc)
}

func (f *file) Open() (io.ReadCloser, error) {
	r, err := f.open()
	if err != nil {
		return nil, layerfs.PathError("open", f.path, err)
	}
	return r, nil
}

func (f *file) Create() (io.WriteCloser, error) {
	readOnly("create", f.t)
	return nil, nil
}

func (f *file) Delete() error {
	return layerfs.PathError("delete", f.path, layerfs.ErrCannotDelete)
}

func (f *file) ModTime() (time.Time, error) {
	return f.modTime, nil
}

func (f *file) Digest() (string, bool) { return "", false }
