package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
	configPath string
	onReload   func(*Config)
	debounce   time.Duration
	timer      *time.Timer
	stopCh     chan struct{}
}

// NewWatcher creates a watcher for the given config file. onReload is
// called with the freshly loaded config after each change; loads that fail
// to parse or validate are logged and dropped.
func NewWatcher(logger zerolog.Logger, configPath string, onReload func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    watcher,
		logger:     logger,
		configPath: configPath,
		onReload:   onReload,
		debounce:   500 * time.Millisecond,
		stopCh:     make(chan struct{}),
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

// run processes file system events.
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")

				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces the reload.
func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.configPath)
		if err != nil {
			w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
			return
		}
		w.logger.Info().Str("file", filepath.Base(w.configPath)).Msg("Config reloaded")
		w.onReload(cfg)
	})
}
