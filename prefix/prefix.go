// Package prefix roots a view of a VFS at one of its subdirectories.
package prefix

import (
	"fmt"

	"github.com/absfs/layerfs"
)

// VFS is the subtree of an inner VFS below a fixed path. It does not own the
// inner VFS: Close does nothing.
type VFS struct {
	inner  layerfs.VFS
	prefix layerfs.Path
	root   layerfs.Dir
}

// New returns the subtree of inner at p, creating the directory chain when
// inner is writable and it does not exist yet.
func New(inner layerfs.VFS, p layerfs.Path) (*VFS, error) {
	var (
		root layerfs.Dir
		err  error
	)
	if inner.Capabilities().Has(layerfs.Write) {
		root, err = layerfs.CreateDir(inner.Root(), p)
	} else {
		root, err = layerfs.GetDir(inner.Root(), p)
	}
	if err != nil {
		return nil, err
	}
	return &VFS{inner: inner, prefix: p, root: &rootDir{innerDir: root}}, nil
}

// Prefix returns the path of the subtree in the inner VFS.
func (v *VFS) Prefix() layerfs.Path {
	return v.prefix
}

func (v *VFS) Root() layerfs.Dir {
	return v.root
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.inner.Capabilities()
}

func (v *VFS) Description() string {
	return fmt.Sprintf("%s below %q", v.inner.Description(), v.prefix.String())
}

func (v *VFS) NeedsSequentialWriting() bool {
	return v.inner.NeedsSequentialWriting()
}

func (v *VFS) Close() error {
	return nil
}

// innerDir is embedded under another name: a field called Dir would hide
// the Dir method.
type innerDir = layerfs.Dir

// rootDir presents the subtree root as a root: no name and not deletable.
// Everything below it is the inner VFS's own elements.
type rootDir struct {
	innerDir
}

var _ layerfs.Dir = (*rootDir)(nil)

func (d *rootDir) Name() string { return "" }

func (d *rootDir) Delete() error {
	return layerfs.PathError("delete", layerfs.Root, layerfs.ErrCannotDelete)
}
