package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	watchDebounce       = 250 * time.Millisecond
	watchRestartBackoff = 250 * time.Millisecond
	watchRestartMax     = 5 * time.Second
)

// Watch reloads path whenever it changes and calls apply with the previous
// and the new configuration. Files that fail to parse or validate are logged
// and ignored; current stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are still seen.
func Watch(ctx context.Context, path string, current *Config, log zerolog.Logger, apply func(old, new *Config)) error {
	dir, file := filepath.Dir(path), filepath.Base(path)

	var (
		mu    sync.Mutex
		last  = current
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		mu.Lock()
		old := last
		if len(Diff(old, cfg)) == 0 {
			mu.Unlock()
			log.Debug().Str("path", path).Msg("config unchanged")
			return
		}
		last = cfg
		mu.Unlock()
		apply(old, cfg)
	}
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() == nil {
				reload()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	backoff := watchRestartBackoff
	for {
		err := watchOnce(ctx, dir, file, debounce)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("dir", dir).Dur("retry_in", backoff).Msg("config watcher stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchRestartMax)
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func watchOnce(ctx context.Context, dir, file string, changed func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fsnotify.ErrClosed
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fsnotify.ErrClosed
			}
			if err == fsnotify.ErrEventOverflow {
				// Events may have been missed; reload once to be safe.
				changed()
				continue
			}
			return err
		}
	}
}
