package config

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/caseless"
	"github.com/absfs/layerfs/deflate"
	"github.com/absfs/layerfs/digest"
	"github.com/absfs/layerfs/direct"
	"github.com/absfs/layerfs/filer"
	"github.com/absfs/layerfs/instrument"
	"github.com/absfs/layerfs/prefix"
	"github.com/absfs/layerfs/sevenzipfs"
	"github.com/absfs/layerfs/union"
	"github.com/absfs/layerfs/zipfs"
)

// Builder turns a Config into a VFS. Instrument filters register their
// collectors with Registry, or with a private registry when it is nil.
type Builder struct {
	Registry prometheus.Registerer

	metrics *instrument.Metrics
}

// Build is a shortcut for a Builder without a metrics registry.
func Build(cfg *Config) (layerfs.VFS, error) {
	return (&Builder{}).Build(cfg)
}

// Build opens every layer, applies its filters and overlays the layers.
// Everything opened is closed again when a later step fails.
func (b *Builder) Build(cfg *Config) (layerfs.VFS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var layers []layerfs.VFS
	closeAll := func() {
		for _, l := range layers {
			if err := l.Close(); err != nil {
				log.Warn().Err(err).Str("layer", l.Description()).Msg("config: closing layer after failed build")
			}
		}
	}
	for i, lc := range cfg.Layers {
		v, err := b.layer(lc)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, v)
	}

	if len(layers) == 1 {
		return layers[0], nil
	}
	opts := []union.Option{union.WithCopyBufferSize(cfg.Union.CopyBufferSize)}
	if cfg.Union.LookupCache > 0 {
		opts = append(opts, union.WithLookupCache(cfg.Union.LookupCache))
	}
	u, err := union.New(layers, opts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	log.Debug().Int("layers", len(layers)).Str("union", u.Description()).Msg("config: built union")
	return u, nil
}

func (b *Builder) layer(lc LayerConfig) (layerfs.VFS, error) {
	base, err := backend(lc.Backend)
	if err != nil {
		return nil, err
	}
	v := base
	// below holds the VFS directly under each prefix filter, innermost
	// first. A prefix does not close what it wraps, so these are closed
	// separately, each one taking its own chain down with it.
	var below []layerfs.VFS
	for _, fc := range lc.Filters {
		next, err := b.filter(v, fc)
		if err != nil {
			closeStack(&stack{VFS: v, below: below})
			return nil, fmt.Errorf("%s filter: %w", fc.Kind, err)
		}
		if fc.Kind == "prefix" {
			below = append(below, v)
		}
		v = next
	}
	if len(below) > 0 {
		return &stack{VFS: v, below: below}, nil
	}
	return v, nil
}

func backend(bc BackendConfig) (layerfs.VFS, error) {
	perms := layerfs.Read
	if bc.Write {
		perms = perms.With(layerfs.Write)
	}
	var opts []direct.Option
	if bc.CaseSensitive != nil {
		opts = append(opts, direct.WithCaseSensitive(*bc.CaseSensitive))
	}

	switch bc.Kind {
	case "direct":
		return direct.New(bc.Path, perms, opts...)
	case "cached":
		if bc.Watch {
			opts = append(opts, direct.WithWatch())
		}
		return direct.NewCached(bc.Path, perms, opts...)
	case "zip":
		return zipfs.Open(bc.Path)
	case "zip-write":
		return zipfs.Create(bc.Path)
	case "zip-rw":
		var zopts []zipfs.Option
		if bc.StageDir != "" {
			zopts = append(zopts, zipfs.WithStageDir(bc.StageDir))
		}
		return zipfs.OpenReadWrite(bc.Path, zopts...)
	case "7z":
		return sevenzipfs.Open(bc.Path)
	case "memory":
		return filer.NewMemory()
	}
	return nil, fmt.Errorf("%w: unknown backend kind %q", ErrInvalid, bc.Kind)
}

func (b *Builder) filter(inner layerfs.VFS, fc FilterConfig) (layerfs.VFS, error) {
	switch fc.Kind {
	case "deflate":
		var opts []deflate.Option
		if fc.Level != nil {
			opts = append(opts, deflate.WithLevel(*fc.Level))
		}
		return deflate.New(inner, opts...), nil
	case "digest":
		var opts []digest.Option
		if fc.Algorithm != "" {
			opts = append(opts, digest.WithAlgorithm(fc.Algorithm))
		}
		return digest.New(inner, opts...)
	case "caseless":
		var opts []caseless.Option
		if fc.Algorithm != "" {
			opts = append(opts, caseless.WithAlgorithm(fc.Algorithm))
		}
		if fc.Groups > 0 {
			opts = append(opts, caseless.WithGroups(fc.Groups))
		}
		if fc.Width > 0 {
			opts = append(opts, caseless.WithWidth(fc.Width))
		}
		if fc.Debug {
			opts = append(opts, caseless.WithDebugIndex())
		}
		return caseless.New(inner, opts...)
	case "prefix":
		p, err := layerfs.ParsePath(fc.Path, layerfs.Separator)
		if err != nil {
			return nil, err
		}
		return prefix.New(inner, p)
	case "instrument":
		name := fc.Name
		if name == "" {
			name = inner.Description()
		}
		return instrument.New(inner, name, b.metricsOnce()), nil
	}
	return nil, fmt.Errorf("%w: unknown filter kind %q", ErrInvalid, fc.Kind)
}

func (b *Builder) metricsOnce() *instrument.Metrics {
	if b.metrics == nil {
		reg := b.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		b.metrics = instrument.NewMetrics(reg)
	}
	return b.metrics
}

// Metrics returns the collectors created for instrument filters, or nil.
func (b *Builder) Metrics() *instrument.Metrics {
	return b.metrics
}

func closeStack(s *stack) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("vfs", s.Description()).Msg("config: closing stack after failed build")
	}
}

// stack is a filter chain interrupted by prefix filters. Close runs
// outermost first so every filter flushes before the store below it closes.
type stack struct {
	layerfs.VFS
	below []layerfs.VFS
}

func (s *stack) Close() error {
	errs := []error{s.VFS.Close()}
	for i := len(s.below) - 1; i >= 0; i-- {
		errs = append(errs, s.below[i].Close())
	}
	return errors.Join(errs...)
}

// Unwrap returns the outermost filter.
func (s *stack) Unwrap() layerfs.VFS {
	return s.VFS
}
