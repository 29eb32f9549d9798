package siteprofile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatcherConfig configures a profile file watcher.
type WatcherConfig struct {
	Path     string
	Store    *Store
	Debounce time.Duration
	// OnReload, if set, runs after each successful reload.
	OnReload func(Profile)
	Logger   *zerolog.Logger
}

// Watcher reloads a profile file into a Store when it changes. Invalid edits
// are logged and the previous profile is kept.
type Watcher struct {
	cfg      WatcherConfig
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	timer    *time.Timer
	timerMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher. Call Run to start it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched rather
	// than the file itself.
	if err := fw.Add(filepath.Dir(cfg.Path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Path, err)
	}

	return &Watcher{
		cfg:     cfg,
		watcher: fw,
		logger:  logger.With().Str("component", "siteprofile").Logger(),
		done:    make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.cfg.Path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	p, err := LoadFile(w.cfg.Path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.cfg.Path).Msg("Keeping previous site profile")
		return
	}
	w.cfg.Store.Set(p)
	w.logger.Info().Str("company", p.CompanyName).Msg("Site profile reloaded")
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(p)
	}
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
		if err := w.watcher.Close(); err != nil {
			w.logger.Debug().Err(err).Msg("Failed to close watcher")
		}
	})
}
