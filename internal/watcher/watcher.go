// Package watcher reports changes of a file or of the record files in a
// directory. Bursts of events are debounced into one callback.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher watches a file, or the files of a directory, for changes
type Watcher struct {
	path     string
	dir      bool
	ext      string
	onChange func()
	debounce time.Duration
	logger   hclog.Logger
}

// New creates a watcher for a single file
func New(path string, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		logger:   hclog.NewNullLogger(),
	}
}

// NewDir creates a watcher for the files ending in ext inside dir. An empty
// ext matches every file.
func NewDir(dir, ext string, onChange func()) *Watcher {
	w := New(dir, onChange)
	w.dir = true
	w.ext = ext
	return w
}

// WithDebounce sets the debounce duration
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// WithLogger sets the logger
func (w *Watcher) WithLogger(l hclog.Logger) *Watcher {
	w.logger = l
	return w
}

// matches reports whether an event on name concerns the watched path
func (w *Watcher) matches(name string) bool {
	if !w.dir {
		return filepath.Base(name) == filepath.Base(w.path)
	}
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return w.ext == "" || strings.HasSuffix(base, w.ext)
}

// Watch blocks until the context is cancelled or the watch fails.
// A single file is watched through its directory so replacements by
// rename are seen too.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := w.path
	if !w.dir {
		dir = filepath.Dir(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		return err
	}

	w.logger.Debug("watcher: watching", "path", w.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}
	defer stop()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.matches(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.logger.Info("watcher: change detected", "path", w.path)
				w.onChange()
			})
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher: error", "path", w.path, "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
