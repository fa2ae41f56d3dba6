// Package instrument counts the traffic through a VFS in Prometheus metrics.
package instrument

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/absfs/layerfs"
)

// Metrics holds the collectors shared by every instrumented VFS. Each
// series is labeled with the store name given to New.
type Metrics struct {
	Lookups     *prometheus.CounterVec
	Opens       *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	OpenStreams *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerfs",
			Subsystem: "vfs",
			Name:      "lookups_total",
			Help:      "Child lookups and creations.",
		}, []string{"store"}),
		Opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerfs",
			Subsystem: "vfs",
			Name:      "opens_total",
			Help:      "Streams opened, by direction.",
		}, []string{"store", "direction"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerfs",
			Subsystem: "vfs",
			Name:      "bytes_total",
			Help:      "Bytes moved through streams, by direction.",
		}, []string{"store", "direction"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layerfs",
			Subsystem: "vfs",
			Name:      "errors_total",
			Help:      "Failed operations, by operation.",
		}, []string{"store", "op"}),
		OpenStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "layerfs",
			Subsystem: "vfs",
			Name:      "open_streams",
			Help:      "Streams currently open.",
		}, []string{"store"}),
	}

	reg.MustRegister(
		m.Lookups,
		m.Opens,
		m.Bytes,
		m.Errors,
		m.OpenStreams,
	)

	return m
}

const (
	read  = "read"
	write = "write"
)

// VFS passes every operation through to inner and counts it.
type VFS struct {
	inner layerfs.VFS
	name  string
	m     *Metrics
	root  *dir
}

// New instruments inner under the store label name.
func New(inner layerfs.VFS, name string, m *Metrics) *VFS {
	v := &VFS{inner: inner, name: name, m: m}
	v.root = &dir{v: v, inner: inner.Root()}
	return v
}

func (v *VFS) Root() layerfs.Dir {
	return v.root
}

func (v *VFS) Capabilities() layerfs.Capabilities {
	return v.inner.Capabilities()
}

func (v *VFS) Description() string {
	return fmt.Sprintf("instrumented %s (%s)", v.inner.Description(), v.name)
}

func (v *VFS) NeedsSequentialWriting() bool {
	return v.inner.NeedsSequentialWriting()
}

func (v *VFS) Close() error {
	return v.observe("close", v.inner.Close())
}

// observe counts err against op and returns it unchanged.
func (v *VFS) observe(op string, err error) error {
	if err != nil {
		v.m.Errors.WithLabelValues(v.name, op).Inc()
	}
	return err
}

func (v *VFS) lookup() {
	v.m.Lookups.WithLabelValues(v.name).Inc()
}

func (v *VFS) wrap(e layerfs.Element) layerfs.Element {
	switch e := e.(type) {
	case layerfs.Dir:
		return &dir{v: v, inner: e}
	case layerfs.File:
		return &file{v: v, inner: e}
	}
	return e
}

type dir struct {
	v     *VFS
	inner layerfs.Dir
}

func (d *dir) Name() string               { return d.inner.Name() }
func (d *dir) Location() layerfs.Location { return d.inner.Location() }

func (d *dir) Dir(name string) (layerfs.Dir, error) {
	d.v.lookup()
	cd, err := d.inner.Dir(name)
	if err != nil {
		// Absence is a normal answer, not a failure.
		if !errors.Is(err, layerfs.ErrNoSuchFile) {
			d.v.observe("lookup", err)
		}
		return nil, err
	}
	return &dir{v: d.v, inner: cd}, nil
}

func (d *dir) File(name string) (layerfs.File, error) {
	d.v.lookup()
	f, err := d.inner.File(name)
	if err != nil {
		if !errors.Is(err, layerfs.ErrNoSuchFile) {
			d.v.observe("lookup", err)
		}
		return nil, err
	}
	return &file{v: d.v, inner: f}, nil
}

func (d *dir) CreateDir(name string) (layerfs.Dir, error) {
	d.v.lookup()
	cd, err := d.inner.CreateDir(name)
	if err != nil {
		return nil, d.v.observe("mkdir", err)
	}
	return &dir{v: d.v, inner: cd}, nil
}

func (d *dir) CreateFile(name string) (layerfs.File, error) {
	d.v.lookup()
	f, err := d.inner.CreateFile(name)
	if err != nil {
		return nil, d.v.observe("create", err)
	}
	return &file{v: d.v, inner: f}, nil
}

func (d *dir) List() ([]layerfs.Element, error) {
	children, err := d.inner.List()
	if err != nil {
		return nil, d.v.observe("list", err)
	}
	out := make([]layerfs.Element, len(children))
	for i, c := range children {
		out[i] = d.v.wrap(c)
	}
	return out, nil
}

func (d *dir) Delete() error {
	return d.v.observe("delete", d.inner.Delete())
}

type file struct {
	v     *VFS
	inner layerfs.File
}

func (f *file) Name() string               { return f.inner.Name() }
func (f *file) Location() layerfs.Location { return f.inner.Location() }
func (f *file) Digest() (string, bool)     { return f.inner.Digest() }

func (f *file) Open() (io.ReadCloser, error) {
	r, err := f.inner.Open()
	if err != nil {
		return nil, f.v.observe("open", err)
	}
	return &reader{ReadCloser: r, s: f.v.stream(read)}, nil
}

func (f *file) Create() (io.WriteCloser, error) {
	w, err := f.inner.Create()
	if err != nil {
		return nil, f.v.observe("create", err)
	}
	return &writer{WriteCloser: w, s: f.v.stream(write)}, nil
}

func (f *file) Delete() error {
	return f.v.observe("delete", f.inner.Delete())
}

func (f *file) ModTime() (time.Time, error) {
	t, err := f.inner.ModTime()
	return t, f.v.observe("stat", err)
}

// stream holds the series of one open stream.
type stream struct {
	bytes prometheus.Counter
	open  prometheus.Gauge
	once  sync.Once
}

func (v *VFS) stream(direction string) *stream {
	v.m.Opens.WithLabelValues(v.name, direction).Inc()
	s := &stream{
		bytes: v.m.Bytes.WithLabelValues(v.name, direction),
		open:  v.m.OpenStreams.WithLabelValues(v.name),
	}
	s.open.Inc()
	return s
}

func (s *stream) done() {
	s.once.Do(s.open.Dec)
}

type reader struct {
	io.ReadCloser
	s *stream
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.s.bytes.Add(float64(n))
	return n, err
}

func (r *reader) Close() error {
	r.s.done()
	return r.ReadCloser.Close()
}

type writer struct {
	io.WriteCloser
	s *stream
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.s.bytes.Add(float64(n))
	return n, err
}

func (w *writer) Close() error {
	w.s.done()
	return w.WriteCloser.Close()
}
