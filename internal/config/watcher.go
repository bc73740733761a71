package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and hands the new value to
// onChange. Only settings that are safe to change live are applied by the
// callback; the rest require a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	log      zerolog.Logger
}

func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: reloadDebounce,
		log:      logging.Component("config"),
	}
}

func (w *Watcher) String() string { return "config-watcher" }

// Serve watches the file's directory so atomic rename-on-save editors are
// seen too.
func (w *Watcher) Serve(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			w.log.Warn().Err(err).Msg("Config watcher error")

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous settings")
		return
	}
	w.log.Info().Str("path", w.path).Msg("Configuration reloaded")
	w.onChange(cfg)
}
