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

// Reload is one accepted change of the watched config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and reports edits that produce another valid
// config. Invalid edits are logged and ignored; the last valid config stays
// current. Edits that change nothing [Diff] compares, such as comments, update
// the current config without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	state   fileState

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

// NewWatcher loads path and starts polling it in a background goroutine.
// onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.state = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
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
			if r, ok := w.check(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// check reloads the file if it changed. ok is false when there is nothing
// to report.
func (w *Watcher) check() (r Reload, ok bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return Reload{}, false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.state.mtime)
	w.mu.Unlock()
	if unchanged {
		return Reload{}, false
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config watcher: rejected edit, keeping previous config", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if st.hash == w.state.hash {
		w.state.mtime = st.mtime
		return Reload{}, false
	}
	r = Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.state = cfg, st

	if r.Diff.Empty() {
		slog.Debug("config watcher: edit has no effect", "path", w.path)
		return Reload{}, false
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", r.Diff.LogLevelChanged,
		"alignment_changed", r.Diff.AlignmentChanged,
		"restart_required", r.Diff.RestartRequired,
	)
	return r, true
}

// read loads and validates the file, returning it with its current state.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
