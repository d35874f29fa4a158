package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader holds the current workflow configuration and reloads it when the
// file changes on disk. Readers get a consistent snapshot via Config().
type Loader struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

func NewLoader(path string) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, cfg: cfg}, nil
}

// Config returns the currently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Reload re-reads the configuration file and swaps it in.
func (l *Loader) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Watch reloads the configuration whenever the file is rewritten. It blocks
// until ctx is canceled. Watching the parent directory, not the file itself,
// catches atomic replaces (write temp file, rename) that change the inode.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := filepath.Dir(l.path)
	fileName := filepath.Base(l.path)
	if err := watcher.Add(watchDir); err != nil {
		return err
	}
	slog.Info("watching workflow config", "path", l.path)

	// Debounce so that rapid write+rename sequences trigger one reload.
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := l.Reload(); err != nil {
				slog.Warn("failed to reload workflow config", "path", l.path, "error", err)
				continue
			}
			slog.Info("workflow config reloaded", "path", l.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("workflow watcher error", "error", err)
		}
	}
}
