package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml and .env under the home directory.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is cancelled. The directory is
// watched rather than the files so editors that replace files are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	watched := map[string]bool{"config.yaml": true, ".env": true}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watched[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 150 * time.Millisecond

// Follow reloads configuration after each burst of watcher events and hands
// successfully loaded configs to apply. Invalid edits are logged and skipped;
// the last good config stays in force. It blocks until the watcher stops.
func (w *Watcher) Follow(ctx context.Context, apply func(Config)) {
	var (
		timer  *time.Timer
		fire   <-chan time.Time
		events = w.events
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				if fire == nil {
					return
				}
				continue
			}
			if fire == nil {
				timer = time.NewTimer(reloadDelay)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "error", err)
			} else {
				w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
				apply(cfg)
			}
			if events == nil {
				return
			}
		}
	}
}
