package direct

import (
	"io"
	"sort"
	"sync"
)

// registry tracks the streams handed out by a VFS so Close can detect leaks.
type registry struct {
	mu   sync.Mutex
	open map[*ticket]struct{}
}

func newRegistry() *registry {
	return &registry{open: make(map[*ticket]struct{})}
}

type ticket struct {
	reg  *registry
	desc string
	once sync.Once
}

func (r *registry) acquire(desc string) *ticket {
	t := &ticket{reg: r, desc: desc}
	r.mu.Lock()
	r.open[t] = struct{}{}
	r.mu.Unlock()
	return t
}

// release unregisters the ticket and closes the stream, once. Later calls
// return nil.
func (t *ticket) release(closeStream func() error) (err error) {
	t.once.Do(func() {
		t.reg.mu.Lock()
		delete(t.reg.open, t)
		t.reg.mu.Unlock()
		err = closeStream()
	})
	return err
}

// leaks describes every stream still open, sorted.
func (r *registry) leaks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.open))
	for t := range r.open {
		out = append(out, t.desc)
	}
	sort.Strings(out)
	return out
}

type trackedReader struct {
	io.ReadCloser
	t *ticket
}

func (r *trackedReader) Close() error {
	return r.t.release(r.ReadCloser.Close)
}

type trackedWriter struct {
	io.WriteCloser
	t *ticket
}

func (w *trackedWriter) Close() error {
	return w.t.release(w.WriteCloser.Close)
}
