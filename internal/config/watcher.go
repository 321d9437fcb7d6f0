package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/webhook"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// DefaultDebounce coalesces the burst of events editors produce for one save.
const DefaultDebounce = 200 * time.Millisecond

// Configurable is the part of *webhook.Client a Watcher updates.
type Configurable interface {
	UpdateConfig(fn func(*webhook.Config))
}

var _ Configurable = (*webhook.Client)(nil)

// Opts holds configuration options for a Watcher.
type Opts struct {
	Debounce time.Duration
}

// Option defines a configuration option for a Watcher.
type Option func(*Opts)

// WithDebounce sets how long the watcher waits after the last change before reloading.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// Watcher re-applies webhook settings from a dotenv-format file whenever it changes.
type Watcher struct {
	path     string
	target   Configurable
	debounce time.Duration
	fsw      *fsnotify.Watcher
	reloads  chan struct{}
}

// NewWatcher applies path once and starts watching its directory, so that editors that
// replace the file are seen as well.
func NewWatcher(path string, target Configurable, opts ...Option) (*Watcher, error) {
	cfg := Opts{Debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config file path: %w", err)
	}
	w := &Watcher{path: abs, target: target, debounce: cfg.Debounce, reloads: make(chan struct{}, 1)}
	if err := w.Reload(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.fsw = fsw
	return w, nil
}

// Reload reads the file and applies it.
func (w *Watcher) Reload() error {
	values, err := godotenv.Read(w.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", w.path, err)
	}
	var applied webhook.Config
	w.target.UpdateConfig(func(c *webhook.Config) {
		*c = ApplyWebhookSettings(*c, values)
		applied = *c
	})
	slog.Info("Watcher.Reload: webhook configuration applied", "path", w.path, "url_set", applied.URL != "",
		"timeout", applied.Timeout, "maxRetries", applied.MaxRetries, "retryDelay", applied.RetryDelay)
	select {
	case w.reloads <- struct{}{}:
	default:
	}
	return nil
}

// Reloaded signals after each successful reload; used by tests.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloads
}

// Run watches until ctx is cancelled. A failed reload keeps the previous configuration.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher.Run: file watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				slog.Warn("Watcher.Run: reload failed, keeping previous configuration", "error", err)
			}
		}
	}
}
