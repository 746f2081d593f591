package server

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Kush-Singh-26/staticserve/internal/digest"
)

// reloadHub watches the document root and tells connected browsers to
// reload after changes settle for the debounce interval. Digests of removed
// or renamed files are dropped from the index.
type reloadHub struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	index    *digest.Index
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[chan struct{}]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newReloadHub(root string, debounce time.Duration, index *digest.Index, logger *slog.Logger) (*reloadHub, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	h := &reloadHub{
		watcher:  watcher,
		root:     root,
		debounce: debounce,
		index:    index,
		logger:   logger,
		clients:  make(map[chan struct{}]struct{}),
		done:     make(chan struct{}),
	}

	// fsnotify is not recursive; every directory is added on its own.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", root, err)
	}

	return h, nil
}

// Start runs the event loop until Close.
func (h *reloadHub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case event, ok := <-h.watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod != 0 {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					h.watchIfDir(event.Name)
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					h.forget(event.Name)
				}

				if debounceTimer != nil {
					debounceTimer.Reset(h.debounce)
				} else {
					debounceTimer = time.AfterFunc(h.debounce, h.broadcast)
				}

			case err, ok := <-h.watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("Watcher error", "error", err)
			}
		}
	}()
}

func (h *reloadHub) watchIfDir(path string) {
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := h.watcher.Add(p); err != nil {
			h.logger.Warn("Failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (h *reloadHub) forget(path string) {
	if h.index == nil {
		return
	}
	rel, err := filepath.Rel(h.root, path)
	if err != nil {
		return
	}
	if err := h.index.Forget(filepath.ToSlash(rel)); err != nil {
		h.logger.Warn("Failed to drop digest", "path", rel, "error", err)
	}
}

// Close stops the watcher, ends open event streams and waits for the event
// loop to exit. It is safe to call more than once.
func (h *reloadHub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
		h.wg.Wait()
	})
	return err
}

func (h *reloadHub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *reloadHub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// broadcast signals every client; a client with a pending signal is skipped.
func (h *reloadHub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *reloadHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
