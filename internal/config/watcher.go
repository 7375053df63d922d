package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes and publishes each
// valid snapshot to subscribers. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	current     Options
	subscribers []chan Options

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed and validate.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	initial, err := Load(absPath)
	if err != nil {
		return nil, err
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		watcher:  fw,
		logger:   logger.With("component", "config_watcher"),
		debounce: DefaultDebounce,
		current:  initial,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() Options {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Clone()
}

// Subscribe returns a channel receiving every later snapshot. A slow
// reader only sees the most recent one.
func (w *Watcher) Subscribe() <-chan Options {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Options, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops watching and closes subscriber channels.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.closeErr = w.watcher.Close()
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		for _, ch := range w.subscribers {
			close(ch)
		}
		w.subscribers = nil
	})
	return w.closeErr
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		w.logger.Warn("ignoring invalid config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changes := Diff(w.current, next)
	w.current = next
	subscribers := append([]chan Options(nil), w.subscribers...)
	w.mu.Unlock()

	if !changes.Any() {
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "changed", changes.String())

	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next.Clone():
		default:
		}
	}
}
