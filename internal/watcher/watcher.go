// Package watcher signals when the worker's socket file appears on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the socket directory and notifies when the socket file
// is created.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	onReady   chan struct{}
	errs      chan error
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	SocketPath  string
	DebounceDur time.Duration
}

// DefaultConfig returns defaults for watching socketPath.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:  socketPath,
		DebounceDur: 50 * time.Millisecond,
	}
}

// New creates a new socket watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		path:      cfg.SocketPath,
		debounce:  cfg.DebounceDur,
		onReady:   make(chan struct{}, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the socket's directory.
// Returns a channel that receives a signal when the socket is created.
func (w *Watcher) Start() (<-chan struct{}, error) {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	go w.loop()

	return w.onReady, nil
}

// Errors returns watcher errors. Dropped when nobody reads them.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop forwards socket creation events, debounced.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			if w.debounce <= 0 {
				w.notify()
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.notify()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.onReady <- struct{}{}:
	default:
	}
}

// isRelevantEvent reports whether event created the socket file.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.path)
}

// WaitForSocket blocks until path exists or ctx is done. It returns
// immediately when the file is already there.
func WaitForSocket(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	w, err := New(Config{SocketPath: path})
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	ready, err := w.Start()
	if err != nil {
		return err
	}

	// The socket may have appeared between the first check and Start.
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking socket %s: %w", path, err)
	}

	select {
	case <-ready:
		return nil
	case err := <-w.Errors():
		return fmt.Errorf("watching socket %s: %w", path, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
