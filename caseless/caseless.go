// Package caseless is a filter that stores every logical path under a hashed
// physical name, so a case-insensitive store below can hold names that
// differ only by case. The logical tree is kept in an index persisted as the
// "index" file at the inner root.
package caseless

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/digest"
)

const (
	// IndexName is the index file at the inner root.
	IndexName = "index"
	// DebugIndexName is the optional physical to logical listing.
	DebugIndexName = "index.dbg"
)

type kind byte

const (
	kindDir  kind = 'd'
	kindFile kind = 'f'
)

type config struct {
	algorithm string
	groups    int
	width     int
	debug     bool
}

// Option configures New.
type Option func(*config)

// WithAlgorithm selects the hash used to encode paths. See digest.Algorithms.
func WithAlgorithm(name string) Option {
	return func(c *config) { c.algorithm = name }
}

// WithGroups sets the number of directory levels in an encoded path.
func WithGroups(n int) Option {
	return func(c *config) { c.groups = n }
}

// WithWidth sets the number of hex digits per directory level.
func WithWidth(w int) Option {
	return func(c *config) { c.width = w }
}

// WithDebugIndex also writes index.dbg on Close.
func WithDebugIndex() Option {
	return func(c *config) { c.debug = true }
}

// VFS maps logical paths onto hashed physical paths.
type VFS struct {
	inner   layerfs.VFS
	newHash func() hash.Hash
	cfg     config

	mu       sync.RWMutex
	index    map[layerfs.Path]kind
	children map[layerfs.Path]map[string]struct{}

	closed atomic.Bool
}

// New wraps inner and loads its index. A missing index is accepted only if
// inner is empty. The returned VFS owns inner and closes it.
func New(inner layerfs.VFS, opts ...Option) (*VFS, error) {
	cfg := config{algorithm: "sha1", groups: 2, width: 2}
	for _, opt := range opts {
		opt(&cfg)
	}
	newHash, err := digest.Hasher(cfg.algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.groups < 0 || cfg.width < 1 || cfg.groups*cfg.width >= 2*newHash().Size() {
		return nil, fmt.Errorf("caseless: %d groups of width %d do not fit a %s digest",
			cfg.groups, cfg.width, cfg.algorithm)
	}
	v := &VFS{
		inner:    inner,
		newHash:  newHash,
		cfg:      cfg,
		index:    make(map[layerfs.Path]kind),
		children: make(map[layerfs.Path]map[string]struct{}),
	}
	if inner.Capabilities().Has(layerfs.Read) {
		if err := v.load(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Encode returns the physical path storing logical path p.
func (v *VFS) Encode(p layerfs.Path) layerfs.Path {
	if p.IsRoot() {
		return layerfs.Root
	}
	h := v.newHash()
	io.WriteString(h, p.String())
	sum := hex.EncodeToString(h.Sum(nil))

	out := layerfs.Root
	for i := 0; i < v.cfg.groups; i++ {
		out = out.Child(sum[i*v.cfg.width : (i+1)*v.cfg.width])
	}
	return out.Child(sum[v.cfg.groups*v.cfg.width:])
}

func (v *VFS) load() error {
	f, err := v.inner.Root().File(IndexName)
	if errors.Is(err, layerfs.ErrNoSuchFile) {
		empty, err := layerfs.IsEmpty(v.inner.Root())
		if err != nil {
			return err
		}
		if !empty {
			return layerfs.PathError("open", layerfs.P(IndexName),
				fmt.Errorf("%w: %s has content but no index", layerfs.ErrWrongFormat, v.inner.Description()))
		}
		return nil
	}
	if err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if len(text) < 3 || text[1] != ':' || (kind(text[0]) != kindDir && kind(text[0]) != kindFile) {
			return layerfs.PathError("read", layerfs.P(IndexName),
				fmt.Errorf("%w: line %d: %q", layerfs.ErrBadFormat, line, text))
		}
		p, err := layerfs.ParsePath(text[2:], '/')
		if err != nil {
			return layerfs.PathError("read", layerfs.P(IndexName),
				fmt.Errorf("%w: line %d: %w", layerfs.ErrBadFormat, line, err))
		}
		v.record(p, kind(text[0]))
	}
	if err := scanner.Err(); err != nil {
		return layerfs.PathError("read", layerfs.P(IndexName), err)
	}

	log.Debug().
		Str("vfs", v.inner.Description()).
		Int("entries", line).
		Msg("caseless: index loaded")
	return nil
}

// record adds p and its missing parents to the index.
func (v *VFS) record(p layerfs.Path, k kind) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for !p.IsRoot() {
		if _, ok := v.index[p]; ok {
			v.index[p] = k
			return
		}
		v.index[p] = k
		parent := p.Parent()
		names := v.children[parent]
		if names == nil {
			names = make(map[string]struct{})
			v.children[parent] = names
		}
		names[p.LastSegment()] = struct{}{}
		p, k = parent, kindDir
	}
}

// forget removes p and everything below it from the index and returns what
// was removed.
func (v *VFS) forget(p layerfs.Path) map[layerfs.Path]kind {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := make(map[layerfs.Path]kind)
	for e, k := range v.index {
		if e.HasPrefix(p) {
			removed[e] = k
			delete(v.index, e)
			delete(v.children, e)
		}
	}
	if names := v.children[p.Parent()]; names != nil {
		delete(names, p.LastSegment())
	}
	return removed
}

// kindOf looks p up in the index, probing the inner store for paths the index
// does not know yet.
func (v *VFS) kindOf(p layerfs.Path) (kind, bool) {
	if p.IsRoot() {
		return kindDir, true
	}
	v.mu.RLock()
	k, ok := v.index[p]
	v.mu.RUnlock()
	if ok {
		return k, true
	}

	phys := v.Encode(p)
	switch e, err := layerfs.Lookup(v.inner.Root(), phys); {
	case err != nil:
		return 0, false
	case layerfs.IsDir(e):
		k = kindDir
	default:
		k = kindFile
	}
	log.Debug().
		Str("path", p.String()).
		Str("physical", phys.String()).
		Msg("caseless: index entry recovered from store")
	v.record(p, k)
	return k, true
}

func (v *VFS) Root() layerfs.Dir {
	return &dir{v: v}
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.inner.Capabilities().With(layerfs.CaseSensitive | layerfs.UniqueElement)
}

func (v *VFS) Description() string {
	return fmt.Sprintf("caseless(%s)", v.inner.Description())
}

func (v *VFS) NeedsSequentialWriting() bool {
	return v.inner.NeedsSequentialWriting()
}

// Close writes the index, when the inner VFS is writable, and then closes the
// inner VFS.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if v.inner.Capabilities().Has(layerfs.Write) {
		if err := v.save(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.inner.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", layerfs.ErrCannotClose, v.Description(), errors.Join(errs...))
	}
	return nil
}

func (v *VFS) save() error {
	v.mu.RLock()
	paths := make([]layerfs.Path, 0, len(v.index))
	for p := range v.index {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	var index, debug bytes.Buffer
	for _, p := range paths {
		k := v.index[p]
		fmt.Fprintf(&index, "%c:%s\n", k, p)
		if v.cfg.debug {
			fmt.Fprintf(&debug, "%s %c:%s\n", v.Encode(p), k, p)
		}
	}
	v.mu.RUnlock()

	if err := layerfs.WriteFile(v.inner.Root(), layerfs.P(IndexName), index.Bytes()); err != nil {
		return err
	}
	if v.cfg.debug {
		if err := layerfs.WriteFile(v.inner.Root(), layerfs.P(DebugIndexName), debug.Bytes()); err != nil {
			return err
		}
	}
	log.Debug().
		Str("vfs", v.inner.Description()).
		Int("entries", len(paths)).
		Msg("caseless: index written")
	return nil
}

func (v *VFS) element(p layerfs.Path, k kind) layerfs.Element {
	if k == kindDir {
		return &dir{v: v, path: p}
	}
	return &file{v: v, path: p}
}

type dir struct {
	v    *VFS
	path layerfs.Path
}

func (d *dir) Name() string { return d.path.LastSegment() }

func (d *dir) Location() layerfs.Location {
	return layerfs.DirLocation(d.path, d.v.Description())
}

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	p := d.path.Child(name)
	k, ok := d.v.kindOf(p)
	switch {
	case !ok:
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNoSuchFile)
	case k != kindDir:
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotDirectory)
	}
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	p := d.path.Child(name)
	k, ok := d.v.kindOf(p)
	switch {
	case !ok:
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNoSuchFile)
	case k != kindFile:
		return nil, layerfs.PathError("lookup", p, layerfs.ErrNotFile)
	}
	return &file{v: d.v, path: p}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("mkdir", p, err)
	}
	if k, ok := d.v.kindOf(p); ok {
		if k != kindDir {
			return nil, layerfs.PathError("mkdir", p, layerfs.ErrNotDirectory)
		}
		return &dir{v: d.v, path: p}, nil
	}
	if _, err := layerfs.CreateDir(d.v.inner.Root(), d.v.Encode(p)); err != nil {
		return nil, err
	}
	d.v.record(p, kindDir)
	return &dir{v: d.v, path: p}, nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	p := d.path.Child(name)
	if err := layerfs.ValidName(name); err != nil {
		return nil, layerfs.PathError("create", p, err)
	}
	if k, ok := d.v.kindOf(p); ok {
		if k != kindFile {
			return nil, layerfs.PathError("create", p, layerfs.ErrNotFile)
		}
		return &file{v: d.v, path: p}, nil
	}
	if _, err := layerfs.CreateFile(d.v.inner.Root(), d.v.Encode(p)); err != nil {
		return nil, err
	}
	d.v.record(p, kindFile)
	return &file{v: d.v, path: p}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	d.v.mu.RLock()
	names := make([]string, 0, len(d.v.children[d.path]))
	for name := range d.v.children[d.path] {
		names = append(names, name)
	}
	kinds := make([]kind, len(names))
	sort.Strings(names)
	for i, name := range names {
		kinds[i] = d.v.index[d.path.Child(name)]
	}
	d.v.mu.RUnlock()

	out := make([]layerfs.Element, len(names))
	for i, name := range names {
		out[i] = d.v.element(d.path.Child(name), kinds[i])
	}
	return out, nil
}

func (d *dir) Delete() error {
	if d.path.IsRoot() {
		return layerfs.PathError("delete", d.path, layerfs.ErrCannotDelete)
	}
	if _, ok := d.v.kindOf(d.path); !ok {
		return layerfs.PathError("delete", d.path, layerfs.ErrNoSuchFile)
	}
	var errs []error
	for p, k := range d.v.forget(d.path) {
		if err := d.v.deletePhysical(p, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deletePhysical removes the encoded element of p. Encoded leaves never
// contain each other, so order does not matter.
func (v *VFS) deletePhysical(p layerfs.Path, k kind) error {
	phys := v.Encode(p)
	var err error
	if k == kindDir {
		var d layerfs.Dir
		if d, err = layerfs.GetDir(v.inner.Root(), phys); err == nil {
			err = d.Delete()
		}
	} else {
		var f layerfs.File
		if f, err = layerfs.GetFile(v.inner.Root(), phys); err == nil {
			err = f.Delete()
		}
	}
	if errors.Is(err, layerfs.ErrNoSuchFile) {
		return nil
	}
	return err
}

type file struct {
	v    *VFS
	path layerfs.Path
}

func (f *file) Name() string { return f.path.LastSegment() }

func (f *file) Location() layerfs.Location {
	return layerfs.FileLocation(f.path, f.v.Description())
}

func (f *file) physical() (layerfs.File, error) {
	return layerfs.GetFile(f.v.inner.Root(), f.v.Encode(f.path))
}

func (f *file) Open() (io.ReadCloser, error) {
	pf, err := f.physical()
	if err != nil {
		return nil, err
	}
	return pf.Open()
}

func (f *file) Create() (io.WriteCloser, error) {
	pf, err := f.physical()
	if err != nil {
		return nil, err
	}
	return pf.Create()
}

func (f *file) Delete() error {
	if _, ok := f.v.kindOf(f.path); !ok {
		return layerfs.PathError("delete", f.path, layerfs.ErrNoSuchFile)
	}
	f.v.forget(f.path)
	return f.v.deletePhysical(f.path, kindFile)
}

func (f *file) ModTime() (time.Time, error) {
	pf, err := f.physical()
	if err != nil {
		return time.Time{}, err
	}
	return pf.ModTime()
}

func (f *file) Digest() (string, bool) {
	pf, err := f.physical()
	if err != nil {
		return "", false
	}
	return pf.Digest()
}
