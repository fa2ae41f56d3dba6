package layerfs

import (
	"sort"
	"sync"
)

// DirCache is a name to element map that backends embed in their directory
// nodes to avoid re-implementing child bookkeeping. It is safe for concurrent
// use; get-or-create runs the creation callback under the directory's lock so
// two callers never create the same child twice.
type DirCache struct {
	mu      sync.RWMutex
	path    Path
	entries map[string]Element
}

// NewDirCache returns an empty cache for the directory at p. The path is only
// used in error messages.
func NewDirCache(p Path) *DirCache {
	return &DirCache{
		path:    p,
		entries: make(map[string]Element),
	}
}

// Lookup returns the child called name.
func (c *DirCache) Lookup(name string) (Element, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Dir returns the child directory called name.
func (c *DirCache) Dir(name string) (Dir, error) {
	e, ok := c.Lookup(name)
	if !ok {
		return nil, PathError("lookup", c.path.Child(name), ErrNoSuchFile)
	}
	d, ok := e.(Dir)
	if !ok {
		return nil, PathError("lookup", c.path.Child(name), ErrNotDirectory)
	}
	return d, nil
}

// File returns the child file called name.
func (c *DirCache) File(name string) (File, error) {
	e, ok := c.Lookup(name)
	if !ok {
		return nil, PathError("lookup", c.path.Child(name), ErrNoSuchFile)
	}
	f, ok := e.(File)
	if !ok {
		return nil, PathError("lookup", c.path.Child(name), ErrNotFile)
	}
	return f, nil
}

// CreateDir returns the child directory called name, calling create and
// caching its result if the child does not exist yet.
func (c *DirCache) CreateDir(name string, create func() (Dir, error)) (Dir, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		d, ok := e.(Dir)
		if !ok {
			return nil, PathError("mkdir", c.path.Child(name), ErrNotDirectory)
		}
		return d, nil
	}
	d, err := create()
	if err != nil {
		return nil, err
	}
	c.entries[name] = d
	return d, nil
}

// CreateFile returns the child file called name, calling create and caching
// its result if the child does not exist yet.
func (c *DirCache) CreateFile(name string, create func() (File, error)) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		f, ok := e.(File)
		if !ok {
			return nil, PathError("create", c.path.Child(name), ErrNotFile)
		}
		return f, nil
	}
	f, err := create()
	if err != nil {
		return nil, err
	}
	c.entries[name] = f
	return f, nil
}

// Put stores e under its own name, replacing any previous child.
func (c *DirCache) Put(e Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Name()] = e
}

// Remove drops the child called name.
func (c *DirCache) Remove(name string) (Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	delete(c.entries, name)
	return e, ok
}

// List returns a snapshot of the children sorted by name.
func (c *DirCache) List() []Element {
	c.mu.RLock()
	out := make([]Element, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of children.
func (c *DirCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
