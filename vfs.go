package layerfs

import (
	"fmt"
	"io"
	"time"
)

// Location describes where an element lives, for diagnostics.
type Location struct {
	Kind  string // "file" or "directory"
	Path  Path
	Store string // e.g. `zip "out.zip"`
}

func (l Location) String() string {
	name := l.Path.String()
	if name == "" {
		name = "/"
	}
	if l.Store == "" {
		return fmt.Sprintf("%s %q", l.Kind, name)
	}
	return fmt.Sprintf("%s %q in %s", l.Kind, name, l.Store)
}

// DirLocation is a convenience constructor for directory locations.
func DirLocation(p Path, store string) Location {
	return Location{Kind: "directory", Path: p, Store: store}
}

// FileLocation is a convenience constructor for file locations.
func FileLocation(p Path, store string) Location {
	return Location{Kind: "file", Path: p, Store: store}
}

// Element is a node in a VFS tree.
type Element interface {
	// Name is the last path segment, "" for a root.
	Name() string
	Location() Location
}

// Dir is a directory node. Child names are single path segments; use the
// package-level GetDir, GetFile, CreateDir and CreateFile helpers to address
// nested paths.
type Dir interface {
	Element

	// Dir returns the child directory name, failing with ErrNoSuchFile or
	// ErrNotDirectory.
	Dir(name string) (Dir, error)
	// File returns the child file name, failing with ErrNoSuchFile or
	// ErrNotFile.
	File(name string) (File, error)
	// CreateDir returns the child directory name, creating it if absent.
	CreateDir(name string) (Dir, error)
	// CreateFile returns the child file name, creating it empty if absent.
	CreateFile(name string) (File, error)
	// List returns the children sorted by name.
	List() ([]Element, error)
	// Delete removes the directory and everything below it.
	Delete() error
}

// File is a file node.
type File interface {
	Element

	// Open returns an input stream over the content.
	Open() (io.ReadCloser, error)
	// Create returns an output stream replacing the content.
	Create() (io.WriteCloser, error)
	Delete() error
	ModTime() (time.Time, error)
	// Digest returns the recorded content digest, if the VFS keeps one.
	Digest() (string, bool)
}

// VFS is a virtual filesystem: a root directory plus a capability set and a
// lifecycle. Close must be called exactly once; further calls are no-ops.
type VFS interface {
	Root() Dir
	Capabilities() Capabilities
	// Description is free text for diagnostics.
	Description() string
	// NeedsSequentialWriting reports whether only one output stream may be
	// open at a time.
	NeedsSequentialWriting() bool
	Close() error
}

// IsDir reports whether e is a directory.
func IsDir(e Element) bool {
	_, ok := e.(Dir)
	return ok
}
