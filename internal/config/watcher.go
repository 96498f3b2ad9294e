package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a newly loaded config together with what changed
// relative to the previous one. It is only called when d.Changed() is true.
type ReloadFunc func(next *Config, d ConfigDiff)

// snapshot is one successfully parsed version of the config file.
type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and reports semantic changes. Edits that fail
// to parse or validate are logged and ignored, so the last valid config
// stays current. Edits that leave the parsed config unchanged (comments,
// reordering, explicit defaults) are absorbed without calling back.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu  sync.Mutex
	cur snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. onReload may be nil. It runs on the polling goroutine outside
// the watcher's lock, so it may call [Watcher.Current].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur = snap

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.cfg
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.cur
	w.mu.Unlock()

	if info.ModTime().Equal(prev.mtime) {
		return
	}

	next, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	if next.hash == prev.hash {
		// Touched, not edited.
		w.mu.Lock()
		w.cur.mtime = next.mtime
		w.mu.Unlock()
		return
	}

	d := Diff(prev.cfg, next.cfg)
	w.mu.Lock()
	w.cur = next
	w.mu.Unlock()

	if !d.Changed() {
		w.log.Debug("config watcher: file edited, configuration unchanged", "path", w.path)
		return
	}
	w.log.Info("config watcher: configuration reloaded", "path", w.path, "changed", d.Keys())
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config watcher: some changes take effect only after a restart", "keys", d.RestartRequired)
	}

	if w.onReload != nil {
		w.onReload(next.cfg, d)
	}
}

// read stats, reads, hashes and parses the file.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
