package layerfs

import (
	"io"
	"time"
)

// Entry is a directory listing entry as seen through an Input view.
type Entry struct {
	Name  string
	IsDir bool
}

// InputFile is the read side of a File.
type InputFile interface {
	Element
	Open() (io.ReadCloser, error)
	ModTime() (time.Time, error)
	Digest() (string, bool)
}

// OutputFile is the write side of a File.
type OutputFile interface {
	Element
	Create() (io.WriteCloser, error)
}

// Input is a read-only facade over a VFS. It does not own the VFS.
type Input struct {
	vfs VFS
}

// NewInput narrows v to its read operations.
func NewInput(v VFS) *Input {
	return &Input{vfs: v}
}

// Open returns an input stream for the file at p.
func (in *Input) Open(p Path) (io.ReadCloser, error) {
	f, err := in.InputFile(p)
	if err != nil {
		return nil, err
	}
	return f.Open()
}

// InputFile returns the file at p.
func (in *Input) InputFile(p Path) (InputFile, error) {
	return GetFile(in.vfs.Root(), p)
}

// List returns the entries of the directory at p.
func (in *Input) List(p Path) ([]Entry, error) {
	d, err := GetDir(in.vfs.Root(), p)
	if err != nil {
		return nil, err
	}
	children, err := d.List()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(children))
	for i, c := range children {
		entries[i] = Entry{Name: c.Name(), IsDir: IsDir(c)}
	}
	return entries, nil
}

// Exists reports whether anything exists at p.
func (in *Input) Exists(p Path) bool {
	_, err := Lookup(in.vfs.Root(), p)
	return err == nil
}

func (in *Input) Capabilities() Capabilities {
	return in.vfs.Capabilities()
}

func (in *Input) Description() string {
	return in.vfs.Description()
}

// Output is a write-only facade over a VFS. It does not own the VFS.
type Output struct {
	vfs VFS
}

// NewOutput narrows v to its write operations.
func NewOutput(v VFS) *Output {
	return &Output{vfs: v}
}

// Create returns an output stream for the file at p, creating the file and
// its parents as needed.
func (out *Output) Create(p Path) (io.WriteCloser, error) {
	f, err := out.OutputFile(p)
	if err != nil {
		return nil, err
	}
	return f.Create()
}

// OutputFile returns the file at p, creating it and its parents as needed.
func (out *Output) OutputFile(p Path) (OutputFile, error) {
	return CreateFile(out.vfs.Root(), p)
}

// Mkdir creates the directory at p and its parents.
func (out *Output) Mkdir(p Path) error {
	_, err := CreateDir(out.vfs.Root(), p)
	return err
}

// Delete removes whatever exists at p.
func (out *Output) Delete(p Path) error {
	if p.IsRoot() {
		return PathError("delete", p, ErrCannotDelete)
	}
	e, err := Lookup(out.vfs.Root(), p)
	if err != nil {
		return err
	}
	switch e := e.(type) {
	case Dir:
		return e.Delete()
	case File:
		return e.Delete()
	}
	return PathError("delete", p, ErrNotFileOrDirectory)
}

func (out *Output) Capabilities() Capabilities {
	return out.vfs.Capabilities()
}

func (out *Output) NeedsSequentialWriting() bool {
	return out.vfs.NeedsSequentialWriting()
}

// InputOutput is a read-write facade over a VFS. It does not own the VFS.
type InputOutput struct {
	*Input
	*Output
}

// NewInputOutput exposes both the read and the write operations of v.
func NewInputOutput(v VFS) *InputOutput {
	return &InputOutput{Input: NewInput(v), Output: NewOutput(v)}
}

func (v *InputOutput) Capabilities() Capabilities {
	return v.Input.Capabilities()
}
