package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that one hot-reloadable config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the two files that can be hot-swapped without restarting
// the core: the resource-discovery directory file and the access list
// file. Transport and access plug-in paths are load-once and never
// watched.
type Watcher struct {
	rdcDirPath     string
	accessListPath string
	logger         *slog.Logger
	events         chan ReloadEvent
}

// NewWatcher creates a Watcher over cfg's RDCDirPath/AccessListPath. Either
// path may be empty, in which case that file is simply not watched.
func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		rdcDirPath:     cfg.RDCDirPath,
		accessListPath: cfg.AccessListPath,
		logger:         logger,
		events:         make(chan ReloadEvent, 16),
	}
}

// Events returns the channel of reload notifications. Closed when Start's
// context is cancelled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine; it returns once the
// underlying fsnotify watcher is created, not once watching stops.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, file := range []string{w.rdcDirPath, w.accessListPath} {
		if file == "" {
			continue
		}
		_ = fsw.Add(file)
	}

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
