package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigChangeEvent is emitted when the watched file's content changes and
// the new content loads and validates.
type ConfigChangeEvent struct {
	Source  string
	OldHash string
	NewHash string
	Config  *Config
	Time    time.Time
}

// WatcherOption configures a ConfigWatcher.
type WatcherOption func(*ConfigWatcher)

// WithWatchDebounce sets how long the file must be quiet before it is reread.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *ConfigWatcher) { w.logger = l }
}

// ConfigWatcher rereads a config file after it changes and hands valid
// results to a callback. The containing directory is watched so that
// rename-over saves and ConfigMap symlink swaps are seen.
type ConfigWatcher struct {
	source   *FileSource
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ConfigChangeEvent)

	// lastHash only advances when a new version is accepted, so an invalid
	// edit followed by a fix is still reported.
	lastHash string
}

// NewConfigWatcher creates a ConfigWatcher for source.
func NewConfigWatcher(source *FileSource, onChange func(ConfigChangeEvent), opts ...WatcherOption) *ConfigWatcher {
	w := &ConfigWatcher{
		source:   source,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. It returns an error only when the watch
// cannot be established.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	hash, err := w.source.Hash()
	if err != nil {
		return fmt.Errorf("config watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: create fsnotify: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.source.Path())
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Every relevant event restarts the quiet period. The hash
			// check filters out unrelated files in the same directory.
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	path := w.source.Path()
	newHash, err := w.source.Hash()
	if err != nil {
		w.logger.Error("config watcher: failed to hash config", "path", path, "error", err)
		return
	}
	if newHash == w.lastHash {
		return
	}

	cfg, err := w.source.Load()
	if err != nil {
		w.logger.Error("config watcher: rejected new config", "path", path, "error", err)
		return
	}

	oldHash := w.lastHash
	w.lastHash = newHash
	w.logger.Info("config changed", "path", path, "old_hash", oldHash[:8], "new_hash", newHash[:8])

	w.onChange(ConfigChangeEvent{
		Source:  w.source.Name(),
		OldHash: oldHash,
		NewHash: newHash,
		Config:  cfg,
		Time:    time.Now(),
	})
}
