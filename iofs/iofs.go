// Package iofs exposes a layerfs tree as a read-only io/fs filesystem, so
// stacks can be handed to fs.WalkDir, template.ParseFS, http.FileServerFS
// and friends.
//
// File sizes are not recorded by layerfs, so a file's size is the length of
// its content: Stat and DirEntry.Info read the file once. Open reads the
// whole content into memory, which makes every opened file seekable.
package iofs

import (
	"bytes"
	"io"
	"io/fs"
	"time"

	"github.com/absfs/layerfs"
)

// FS is a read-only fs.FS over a layerfs directory.
type FS struct {
	dir layerfs.Dir
}

var (
	_ fs.ReadDirFS  = (*FS)(nil)
	_ fs.ReadFileFS = (*FS)(nil)
	_ fs.StatFS     = (*FS)(nil)
	_ fs.SubFS      = (*FS)(nil)
)

// New returns an fs.FS over the root of v. The FS does not own v.
func New(v layerfs.VFS) *FS {
	return &FS{dir: v.Root()}
}

// NewDir returns an fs.FS rooted at d.
func NewDir(d layerfs.Dir) *FS {
	return &FS{dir: d}
}

func (f *FS) lookup(op, name string) (layerfs.Element, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return f.dir, nil
	}
	p, err := layerfs.ParsePath(name, '/')
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	e, err := layerfs.Lookup(f.dir, p)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	return e, nil
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	e, err := f.lookup("open", name)
	if err != nil {
		return nil, err
	}
	switch e := e.(type) {
	case layerfs.Dir:
		children, err := e.List()
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		entries := make([]fs.DirEntry, len(children))
		for i, c := range children {
			entries[i] = &dirEntry{el: c}
		}
		return &dirFile{info: dirInfo(baseName(name)), entries: entries}, nil
	case layerfs.File:
		data, err := readAll(e)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		mod, err := e.ModTime()
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &file{
			Reader: bytes.NewReader(data),
			info:   &info{name: baseName(name), size: int64(len(data)), mod: mod},
		}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: layerfs.ErrNotFileOrDirectory}
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	e, err := f.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	d, ok := e.(layerfs.Dir)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: layerfs.ErrNotDirectory}
	}
	children, err := d.List()
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	entries := make([]fs.DirEntry, len(children))
	for i, c := range children {
		entries[i] = &dirEntry{el: c}
	}
	return entries, nil
}

// ReadFile implements fs.ReadFileFS.
func (f *FS) ReadFile(name string) ([]byte, error) {
	e, err := f.lookup("read", name)
	if err != nil {
		return nil, err
	}
	file, ok := e.(layerfs.File)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: layerfs.ErrNotFile}
	}
	data, err := readAll(file)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	e, err := f.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	fi, err := stat(baseName(name), e)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return fi, nil
}

// Sub implements fs.SubFS.
func (f *FS) Sub(dir string) (fs.FS, error) {
	e, err := f.lookup("sub", dir)
	if err != nil {
		return nil, err
	}
	d, ok := e.(layerfs.Dir)
	if !ok {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: layerfs.ErrNotDirectory}
	}
	return &FS{dir: d}, nil
}

func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

func readAll(f layerfs.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return data, err
}

func stat(name string, e layerfs.Element) (fs.FileInfo, error) {
	f, ok := e.(layerfs.File)
	if !ok {
		return dirInfo(name), nil
	}
	mod, err := f.ModTime()
	if err != nil {
		return nil, err
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(io.Discard, r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return &info{name: name, size: n, mod: mod}, nil
}

type info struct {
	name string
	dir  bool
	size int64
	mod  time.Time
}

func dirInfo(name string) *info { return &info{name: name, dir: true} }

func (i *info) Name() string       { return i.name }
func (i *info) Size() int64        { return i.size }
func (i *info) ModTime() time.Time { return i.mod }
func (i *info) IsDir() bool        { return i.dir }
func (i *info) Sys() any           { return nil }

func (i *info) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

type dirEntry struct {
	el layerfs.Element
}

func (d *dirEntry) Name() string               { return d.el.Name() }
func (d *dirEntry) IsDir() bool                { return layerfs.IsDir(d.el) }
func (d *dirEntry) Info() (fs.FileInfo, error) { return stat(d.el.Name(), d.el) }

func (d *dirEntry) Type() fs.FileMode {
	if d.IsDir() {
		return fs.ModeDir
	}
	return 0
}

type file struct {
	*bytes.Reader
	info *info
}

func (f *file) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *file) Close() error               { return nil }

type dirFile struct {
	info    *info
	entries []fs.DirEntry
	offset  int
}

func (d *dirFile) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dirFile) Close() error               { return nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: layerfs.ErrNotFile}
}

// ReadDir implements fs.ReadDirFile.
func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.offset += n
	return rest[:n], nil
}
