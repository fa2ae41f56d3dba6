// Package union overlays several VFS layers into one tree with
// copy-on-write semantics against the top layer.
//
// Layers are ordered from the highest precedence to the lowest. Reads find
// the topmost layer holding a name; directories merge the children of every
// layer. Writes go to the top layer only: missing ancestor directories are
// promoted into it first. Lower layers are never written.
package union

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// ErrNoLayers is returned by New without any layer.
var ErrNoLayers = errors.New("union: no layers configured")

// Option is a functional option for configuring a union
type Option func(*VFS)

// WithLookupCache remembers path resolutions for ttl. Misses are kept for
// half as long.
func WithLookupCache(ttl time.Duration) Option {
	return func(v *VFS) {
		v.cache = newCache(true, ttl, ttl/2, 1000)
	}
}

// WithCacheConfig enables the lookup cache with custom configuration
func WithCacheConfig(ttl, negativeTTL time.Duration, maxEntries int) Option {
	return func(v *VFS) {
		v.cache = newCache(true, ttl, negativeTTL, maxEntries)
	}
}

// VFS implements a union of layers
type VFS struct {
	layers []layerfs.VFS // top (highest precedence) first
	caps   layerfs.Capabilities
	cache  *Cache
	root   *dir
	closed atomic.Bool

	copyBufferSize int
}

// New overlays layers, top first. The union owns the layers and closes them.
func New(layers []layerfs.VFS, opts ...Option) (*VFS, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	v := &VFS{
		layers: append([]layerfs.VFS(nil), layers...),
		caps:   aggregate(layers),
		cache:  newCache(false, 0, 0, 0), // disabled by default

		copyBufferSize: 32 * 1024,
	}
	for _, opt := range opts {
		opt(v)
	}

	roots := make([]layerfs.Dir, len(layers))
	for i, l := range layers {
		roots[i] = l.Root()
	}
	v.root = &dir{v: v, path: layerfs.Root, loaded: true, layers: roots}
	return v, nil
}

// aggregate derives the capabilities of a union from its layers.
func aggregate(layers []layerfs.VFS) layerfs.Capabilities {
	all := layerfs.CaseSensitive | layerfs.Digest | layerfs.ParallelRead
	var some layerfs.Capabilities
	for _, l := range layers {
		c := l.Capabilities()
		all &= c
		some |= c
	}
	caps := all
	if some.Has(layerfs.Read) {
		caps = caps.With(layerfs.Read)
	}
	top := layers[0].Capabilities()
	caps |= top & (layerfs.Write | layerfs.ParallelWrite)
	return caps.Without(layerfs.UniqueElement)
}

// Layers returns the layers, top first.
func (v *VFS) Layers() []layerfs.VFS {
	return append([]layerfs.VFS(nil), v.layers...)
}

func (v *VFS) Root() layerfs.Dir {
	return v.root
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.caps
}

func (v *VFS) Description() string {
	names := make([]string, len(v.layers))
	for i, l := range v.layers {
		names[i] = l.Description()
	}
	return "union(" + strings.Join(names, ", ") + ")"
}

func (v *VFS) NeedsSequentialWriting() bool {
	return !v.caps.Has(layerfs.ParallelWrite)
}

// Close closes every layer, top first.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, l := range v.layers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	v.cache.clear()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", layerfs.ErrCannotClose, errors.Join(errs...))
	}
	return nil
}

// InvalidateCache drops cached resolutions at and below p. Needed only when
// layers are modified behind the union's back.
func (v *VFS) InvalidateCache(p layerfs.Path) {
	v.cache.invalidateTree(p)
}

// CacheStats returns lookup cache statistics
func (v *VFS) CacheStats() CacheStats {
	return v.cache.Stats()
}

func (v *VFS) require(op string) {
	if v.closed.Load() {
		layerfs.Violate(op, layerfs.ErrClosed, "%s", v.Description())
	}
}

// writable checks that the top layer accepts writes.
func (v *VFS) writable(op string, p layerfs.Path) error {
	if !v.layers[0].Capabilities().Has(layerfs.Write) {
		log.Debug().Str("path", p.String()).Str("op", op).Msg("union: top layer is read-only")
		return layerfs.PathError(op, p, layerfs.ErrUnionReadOnly)
	}
	return nil
}
