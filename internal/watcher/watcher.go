// Package watcher wraps fsnotify for exactly one directory. Consumers never
// learn which file changed: any activity inside the directory coalesces into
// a single debounced burst callback, and the consumer rescans the directory
// itself. Bursts are at-least-once; an event racing the debounce timer can
// deliver one extra callback, which a rescanning consumer absorbs.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"waggle/internal/logging"
)

const defaultDebounce = 50 * time.Millisecond

type Config struct {
	Dir      string
	Debounce time.Duration
	// OnBurst fires once per settled burst of events.
	OnBurst func()
	// OnError fires at most once; afterwards the watcher is dead and the
	// caller must Close it and build a new one.
	OnError func(error)
	Logger  *logging.Logger
}

type Watcher struct {
	source   *fsnotify.Watcher
	dir      string
	debounce time.Duration
	onBurst  func()
	onError  func(error)
	logger   *logging.Logger

	mutex  sync.Mutex
	timer  *time.Timer
	closed bool

	done chan struct{}
}

func New(cfg Config) (*Watcher, error) {
	if cfg.OnBurst == nil {
		return nil, errors.New("watcher: OnBurst callback required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Clean(cfg.Dir)
	if err := source.Add(dir); err != nil {
		_ = source.Close()
		return nil, err
	}

	watcher := &Watcher{
		source:   source,
		dir:      dir,
		debounce: debounce,
		onBurst:  cfg.OnBurst,
		onError:  cfg.OnError,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
	go watcher.run()
	return watcher, nil
}

// Close stops the watcher and its pending burst timer. Safe to call twice
// and safe to call on a dead watcher.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	if watcher.timer != nil {
		watcher.timer.Stop()
		watcher.timer = nil
	}
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.source.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event, ok := <-watcher.source.Events:
			if !ok {
				return
			}
			// Losing the watched directory itself is fatal; the retry
			// path recreates the directory and a fresh watcher.
			if watcher.dirGone(event) {
				watcher.fail(errors.New("watched directory removed"))
				return
			}
			watcher.schedule()
		case err, ok := <-watcher.source.Errors:
			if !ok {
				return
			}
			watcher.fail(err)
			return
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) dirGone(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Clean(event.Name) == watcher.dir
}

func (watcher *Watcher) schedule() {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	if watcher.timer == nil {
		watcher.timer = time.AfterFunc(watcher.debounce, watcher.flush)
		return
	}
	watcher.timer.Reset(watcher.debounce)
}

func (watcher *Watcher) flush() {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	watcher.timer = nil
	burst := watcher.onBurst
	watcher.mutex.Unlock()

	if burst != nil {
		burst()
	}
}

func (watcher *Watcher) fail(err error) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	handler := watcher.onError
	watcher.mutex.Unlock()

	if watcher.logger != nil {
		watcher.logger.Warn("watch failed", map[string]string{
			"dir":   watcher.dir,
			"error": err.Error(),
		})
	}
	if handler != nil {
		handler(err)
	}
}
