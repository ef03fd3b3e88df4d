package inbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"waggle/internal/fsutil"
	"waggle/internal/logging"
	"waggle/internal/paths"
	"waggle/internal/watcher"
)

const (
	retryMaxDelay    = 30 * time.Second
	maxRetryAttempts = 5
)

type ListenerConfig struct {
	Layout paths.Layout
	Agent  string
	// Debounce is the quiet window after a notification burst before the
	// inbox is scanned.
	Debounce time.Duration
	// RetryBase is the first reconnect delay after a watch failure; it
	// doubles per consecutive failure. Tests shrink it.
	RetryBase time.Duration
	// Deliver is invoked for each message, in arrival order, before its
	// file is deleted.
	Deliver func(Message)
	Logger  *logging.Logger
}

// Listener is one agent's delivery loop: a watch on its own inbox
// directory, a debounced scan, and a reconnect ladder for when the watch
// dies. At most one Listener per inbox; directory ownership is the lock.
type Listener struct {
	layout    paths.Layout
	agent     string
	debounce  time.Duration
	retryBase time.Duration
	deliver   func(Message)
	logger    *logging.Logger

	mutex         sync.Mutex
	watch         *watcher.Watcher
	retryTimer    *time.Timer
	retryAttempts int
	scanning      bool
	rescan        bool
	closed        bool
}

func NewListener(cfg ListenerConfig) *Listener {
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Listener{
		layout:    cfg.Layout,
		agent:     cfg.Agent,
		debounce:  cfg.Debounce,
		retryBase: retryBase,
		deliver:   cfg.Deliver,
		logger:    cfg.Logger,
	}
}

// Start ensures the inbox directory exists, arms the watch and drains
// anything that arrived while offline. A watch that cannot be established
// enters the retry ladder rather than failing Start; only an unusable inbox
// directory is an error.
func (listener *Listener) Start() error {
	if listener == nil {
		return nil
	}
	if err := os.MkdirAll(listener.dir(), 0o755); err != nil {
		return err
	}
	if err := listener.arm(); err != nil {
		listener.logger.Warn("inbox watch setup failed", map[string]string{
			"agent": listener.agent,
			"error": err.Error(),
		})
		listener.scheduleRetry()
	}
	listener.ScanNow()
	return nil
}

// ScanNow drains the inbox once, in filename order. Calls landing mid-scan
// coalesce into exactly one follow-up pass however many arrive. This is
// also the degraded path when the watch is abandoned: anything that can
// tick may call it.
func (listener *Listener) ScanNow() {
	if listener == nil {
		return
	}
	listener.mutex.Lock()
	if listener.closed {
		listener.mutex.Unlock()
		return
	}
	if listener.scanning {
		listener.rescan = true
		listener.mutex.Unlock()
		return
	}
	listener.scanning = true
	listener.mutex.Unlock()

	for {
		listener.scan()

		listener.mutex.Lock()
		if !listener.rescan || listener.closed {
			listener.scanning = false
			listener.mutex.Unlock()
			return
		}
		listener.rescan = false
		listener.mutex.Unlock()
	}
}

// RecoverIfNeeded re-arms the watch from a clean state: only when no watch
// is live and no retry is pending. Hosts call this after their execution
// context changes under them, e.g. resuming from a fork.
func (listener *Listener) RecoverIfNeeded() {
	if listener == nil {
		return
	}
	listener.mutex.Lock()
	if listener.closed || listener.watch != nil || listener.retryTimer != nil {
		listener.mutex.Unlock()
		return
	}
	listener.retryAttempts = 0
	listener.mutex.Unlock()

	if err := os.MkdirAll(listener.dir(), 0o755); err != nil {
		listener.logger.Warn("inbox recreate failed", map[string]string{
			"agent": listener.agent,
			"error": err.Error(),
		})
		return
	}
	if err := listener.arm(); err != nil {
		listener.scheduleRetry()
	}
	listener.ScanNow()
}

// Watching reports whether a live watch is attached.
func (listener *Listener) Watching() bool {
	if listener == nil {
		return false
	}
	listener.mutex.Lock()
	defer listener.mutex.Unlock()
	return listener.watch != nil
}

// Close stops the watch and any pending retry. Idempotent.
func (listener *Listener) Close() {
	if listener == nil {
		return
	}
	listener.mutex.Lock()
	if listener.closed {
		listener.mutex.Unlock()
		return
	}
	listener.closed = true
	watch := listener.watch
	listener.watch = nil
	if listener.retryTimer != nil {
		listener.retryTimer.Stop()
		listener.retryTimer = nil
	}
	listener.mutex.Unlock()

	if watch != nil {
		_ = watch.Close()
	}
}

func (listener *Listener) dir() string {
	return listener.layout.InboxDir(listener.agent)
}

func (listener *Listener) arm() error {
	watch, err := watcher.New(watcher.Config{
		Dir:      listener.dir(),
		Debounce: listener.debounce,
		OnBurst:  listener.ScanNow,
		OnError:  listener.watchFailed,
		Logger:   listener.logger,
	})
	if err != nil {
		return err
	}

	listener.mutex.Lock()
	if listener.closed {
		listener.mutex.Unlock()
		return watch.Close()
	}
	listener.watch = watch
	listener.retryAttempts = 0
	listener.mutex.Unlock()
	return nil
}

func (listener *Listener) watchFailed(err error) {
	listener.mutex.Lock()
	watch := listener.watch
	listener.watch = nil
	listener.mutex.Unlock()

	if watch != nil {
		_ = watch.Close()
	}
	listener.logger.Warn("inbox watch lost", map[string]string{
		"agent": listener.agent,
		"error": err.Error(),
	})
	listener.scheduleRetry()
}

func (listener *Listener) retryDelay(attempt int) time.Duration {
	delay := listener.retryBase << attempt
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (listener *Listener) scheduleRetry() {
	listener.mutex.Lock()
	if listener.closed || listener.retryTimer != nil {
		listener.mutex.Unlock()
		return
	}
	if listener.retryAttempts >= maxRetryAttempts {
		listener.mutex.Unlock()
		listener.logger.Warn("inbox watch abandoned after repeated failures; delivery now needs manual scans", map[string]string{
			"agent": listener.agent,
		})
		return
	}
	delay := listener.retryDelay(listener.retryAttempts)
	listener.retryAttempts++
	listener.retryTimer = time.AfterFunc(delay, listener.performRetry)
	listener.mutex.Unlock()
}

func (listener *Listener) performRetry() {
	listener.mutex.Lock()
	listener.retryTimer = nil
	closed := listener.closed
	listener.mutex.Unlock()
	if closed {
		return
	}

	// The directory may have vanished along with the watch.
	if err := os.MkdirAll(listener.dir(), 0o755); err != nil {
		listener.logger.Warn("inbox recreate failed", map[string]string{
			"agent": listener.agent,
			"error": err.Error(),
		})
		listener.scheduleRetry()
		return
	}
	if err := listener.arm(); err != nil {
		listener.logger.Warn("inbox watch retry failed", map[string]string{
			"agent": listener.agent,
			"error": err.Error(),
		})
		listener.scheduleRetry()
		return
	}
	listener.ScanNow()
}

// scan processes every pending message file in order: parse, deliver,
// delete. Unparseable files are deleted without delivery; retrying them
// would wedge the loop on the same file forever.
func (listener *Listener) scan() {
	entries, err := fsutil.ReadDirOrEmpty(listener.dir())
	if err != nil {
		listener.logger.Warn("inbox scan failed", map[string]string{
			"agent": listener.agent,
			"error": err.Error(),
		})
		return
	}

	// os.ReadDir returns names sorted; with millisecond-prefixed names
	// that is arrival order.
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(listener.dir(), name)
		payload, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var message Message
		if err := json.Unmarshal(payload, &message); err != nil {
			listener.logger.Warn("deleting unparseable message", map[string]string{
				"agent": listener.agent,
				"file":  name,
			})
			_ = os.Remove(path)
			continue
		}
		if listener.deliver != nil {
			listener.deliver(message)
		}
		if err := os.Remove(path); err != nil {
			listener.logger.Warn("message delete failed", map[string]string{
				"agent": listener.agent,
				"file":  name,
				"error": err.Error(),
			})
		}
	}
}
