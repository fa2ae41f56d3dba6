package layerfs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
)

// GetDir resolves p below d.
func GetDir(d Dir, p Path) (Dir, error) {
	for seg := range p.Segments() {
		next, err := d.Dir(seg)
		if err != nil {
			return nil, err
		}
		d = next
	}
	return d, nil
}

// GetFile resolves the file at p below d.
func GetFile(d Dir, p Path) (File, error) {
	if p.IsRoot() {
		return nil, PathError("lookup", p, ErrNotFile)
	}
	parent, err := GetDir(d, p.Parent())
	if err != nil {
		return nil, err
	}
	return parent.File(p.LastSegment())
}

// Lookup resolves the element at p below d, whatever its kind.
func Lookup(d Dir, p Path) (Element, error) {
	if p.IsRoot() {
		return d, nil
	}
	parent, err := GetDir(d, p.Parent())
	if err != nil {
		return nil, err
	}
	name := p.LastSegment()
	child, err := parent.Dir(name)
	if err == nil {
		return child, nil
	}
	if !errors.Is(err, ErrNotDirectory) {
		return nil, err
	}
	return parent.File(name)
}

// CreateDir creates every missing directory along p below d.
func CreateDir(d Dir, p Path) (Dir, error) {
	for seg := range p.Segments() {
		if err := ValidName(seg); err != nil {
			return nil, PathError("mkdir", p, err)
		}
		next, err := d.CreateDir(seg)
		if err != nil {
			return nil, err
		}
		d = next
	}
	return d, nil
}

// CreateFile creates the file at p below d along with its missing parents.
func CreateFile(d Dir, p Path) (File, error) {
	if p.IsRoot() {
		return nil, PathError("create", p, ErrNotFile)
	}
	parent, err := CreateDir(d, p.Parent())
	if err != nil {
		return nil, err
	}
	name := p.LastSegment()
	if err := ValidName(name); err != nil {
		return nil, PathError("create", p, err)
	}
	return parent.CreateFile(name)
}

// ReadFile returns the content of the file at p below d.
func ReadFile(d Dir, p Path) ([]byte, error) {
	f, err := GetFile(d, p)
	if err != nil {
		return nil, err
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFile replaces the content of the file at p below d, creating it and
// its parents as needed.
func WriteFile(d Dir, p Path, data []byte) error {
	f, err := CreateFile(d, p)
	if err != nil {
		return err
	}
	w, err := f.Create()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// IsEmpty reports whether d has no children.
func IsEmpty(d Dir) (bool, error) {
	children, err := d.List()
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// WalkFunc is called for every element visited by Walk with its path
// relative to the walk root. Returning fs.SkipDir from a directory skips its
// children; returning fs.SkipAll stops the walk.
type WalkFunc func(p Path, e Element) error

// Walk visits d and everything below it depth-first in name order.
func Walk(d Dir, fn WalkFunc) error {
	err := walk(Root, d, fn)
	if errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func walk(p Path, e Element, fn WalkFunc) error {
	err := fn(p, e)
	d, isDir := e.(Dir)
	if err != nil {
		if isDir && errors.Is(err, fs.SkipDir) {
			return nil
		}
		return err
	}
	if !isDir {
		return nil
	}
	children, err := d.List()
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := walk(p.Child(child.Name()), child, fn); err != nil {
			return err
		}
	}
	return nil
}
