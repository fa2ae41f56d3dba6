package direct

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/absfs/layerfs"
)

// watcher taints a cached VFS as soon as its backing directory is modified by
// anything other than the VFS itself.
type watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	ours    map[string]struct{}
	trees   []string
	tainted error
}

func newWatcher(dirs []string) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
	}
	w := &watcher{
		w:    fw,
		done: make(chan struct{}),
		ours: make(map[string]struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("direct: watcher error")
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ours[ev.Name]; ok {
		return
	}
	for _, t := range w.trees {
		if strings.HasPrefix(ev.Name, t+string(os.PathSeparator)) {
			return
		}
	}
	if w.tainted == nil {
		w.tainted = fmt.Errorf("%w: %s %s", layerfs.ErrConcurrentIO, ev.Op, ev.Name)
		log.Error().
			Str("op", ev.Op.String()).
			Str("path", ev.Name).
			Msg("direct: external modification detected")
	}
}

// expect marks osPath as about to be touched by the VFS itself.
func (w *watcher) expect(osPath string) {
	w.mu.Lock()
	w.ours[filepath.Clean(osPath)] = struct{}{}
	w.mu.Unlock()
}

// expectTree marks osPath and everything below it.
func (w *watcher) expectTree(osPath string) {
	w.mu.Lock()
	osPath = filepath.Clean(osPath)
	w.ours[osPath] = struct{}{}
	w.trees = append(w.trees, osPath)
	w.mu.Unlock()
}

// add starts watching a directory the VFS just created.
func (w *watcher) add(osPath string) {
	if err := w.w.Add(osPath); err != nil {
		log.Warn().Err(err).Str("path", osPath).Msg("direct: cannot watch directory")
	}
}

func (w *watcher) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tainted
}

func (w *watcher) close() error {
	err := w.w.Close()
	<-w.done
	return err
}
