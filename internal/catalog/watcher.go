package catalog

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"atelier/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Watcher rebuilds a catalog when its source changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	cache    *Cache
	onChange func(*Catalog)
	stopCh   chan struct{}
	stopOnce sync.Once
	timer    *time.Timer
	mu       sync.Mutex
}

// NewWatcher creates a watcher for cache's source. onChange is called with the
// new catalog whenever a rebuild produces a different version.
func NewWatcher(cache *Cache, onChange func(*Catalog)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		cache:    cache,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so that editors
// replacing the file by rename are noticed.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.cache.Source())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.cache.Source())
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	prev := w.cache.Current()
	cat, err := w.cache.Get()
	if err != nil {
		logger.Warn().Err(err).Str("source", w.cache.Source()).Msg("Catalog reload failed")
		return
	}
	if prev != nil && prev.Version == cat.Version {
		return
	}
	logger.Info().
		Str("source", w.cache.Source()).
		Str("version", cat.Version).
		Int("tools", cat.Len()).
		Msg("Catalog reloaded")
	if w.onChange != nil {
		w.onChange(cat)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	})
}
