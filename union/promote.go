package union

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// WithCopyBufferSize sets the buffer size used by CopyUp
func WithCopyBufferSize(size int) Option {
	return func(v *VFS) {
		if size > 0 {
			v.copyBufferSize = size
		}
	}
}

// promote returns the top layer's counterpart of d, creating it and any
// missing ancestors first.
func (d *dir) promote() (layerfs.Dir, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(); err != nil {
		return nil, err
	}
	if d.layers[0] != nil {
		return d.layers[0], nil
	}

	// The root always exists in the top layer, so d has a parent here.
	top, err := d.parent.promote()
	if err != nil {
		return nil, err
	}
	cd, err := top.CreateDir(d.Name())
	if err != nil {
		return nil, err
	}
	d.layers[0] = cd
	log.Debug().Str("path", d.path.String()).Msg("union: promoted directory")
	return cd, nil
}

// CopyUp copies the file at p from the layer it resolves to into the top
// layer. A file already in the top layer is left alone.
func (v *VFS) CopyUp(p layerfs.Path) error {
	v.require("copyup")
	if p.IsRoot() {
		return layerfs.PathError("copyup", p, layerfs.ErrNotFile)
	}
	if err := v.writable("copyup", p); err != nil {
		return err
	}
	parent, err := layerfs.GetDir(v.root, p.Parent())
	if err != nil {
		return err
	}
	d := parent.(*dir)
	layer, e, err := d.resolve("copyup", p.LastSegment())
	if err != nil {
		return err
	}
	src, ok := e.(layerfs.File)
	if !ok {
		return layerfs.PathError("copyup", p, layerfs.ErrNotFile)
	}
	if layer == 0 {
		return nil
	}

	top, err := d.promote()
	if err != nil {
		return err
	}
	dst, err := top.CreateFile(p.LastSegment())
	if err != nil {
		return err
	}
	r, err := src.Open()
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer r.Close()
	w, err := dst.Create()
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	buf := make([]byte, v.copyBufferSize)
	if _, err := io.CopyBuffer(w, r, buf); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	v.cache.invalidate(p)
	log.Debug().Str("path", p.String()).Int("from", layer).Msg("union: copied file up")
	return nil
}

// holder is a layer element about to be deleted.
type holder struct {
	layer int
	el    interface{ Delete() error }
}

// erase deletes every holder after checking that all of their layers are
// writable, so a refused delete leaves every layer untouched.
func (v *VFS) erase(p layerfs.Path, holders []holder) error {
	if len(holders) == 0 {
		return layerfs.PathError("delete", p, layerfs.ErrNoSuchFile)
	}
	for _, h := range holders {
		if !v.layers[h.layer].Capabilities().Has(layerfs.Write) {
			log.Debug().Str("path", p.String()).Str("layer", v.layers[h.layer].Description()).
				Msg("union: delete refused by read-only layer")
			return layerfs.PathError("delete", p, layerfs.ErrUnionReadOnly)
		}
	}
	defer v.cache.invalidateTree(p)
	for _, h := range holders {
		if err := h.el.Delete(); err != nil {
			if errors.Is(err, layerfs.ErrCannotDelete) {
				return layerfs.PathError("delete", p, fmt.Errorf("%w: %w", layerfs.ErrUnionReadOnly, err))
			}
			return err
		}
	}
	return nil
}
