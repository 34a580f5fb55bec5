package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with each valid
// configuration that differs from the previous one. The directory is watched
// rather than the file so editors that replace the file are still seen.
// It returns when ctx is done.
func Watch(ctx context.Context, path string, current Config, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	logger := log.With().Str("component", "config").Str("path", path).Logger()
	file := filepath.Base(path)

	var (
		mu    sync.Mutex
		last  = current
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn().Err(err).Msg("config reload rejected")
			return
		}
		mu.Lock()
		unchanged := reflect.DeepEqual(cfg, last)
		if !unchanged {
			last = cfg
		}
		mu.Unlock()
		if unchanged {
			logger.Debug().Msg("config unchanged")
			return
		}
		logger.Info().Msg("config reloaded")
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watch error")
		}
	}
}
