package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

const DefaultDebounce = 250 * time.Millisecond

// Event carries a freshly loaded configuration, or the error loading it.
type Event struct {
	Config *Config
	Err    error
}

type WatchCleanupFunc func() error

// Watch reloads path whenever it changes and sends the result on the returned
// channel. Changes within debounce of each other produce one reload. The
// directory is watched rather than the file so that atomic replacement by
// rename is seen. The channel is closed by the cleanup function.
func Watch(ctx context.Context, path string, debounce time.Duration) (<-chan Event, WatchCleanupFunc, error) {
	path = filepath.Clean(path)
	dir, base := filepath.Dir(path), filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	ch := make(chan Event, 1)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	send := func(sctx *stopper.Context, ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-sctx.Stopping():
			return false
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		var (
			debouncer *time.Timer
			fire      <-chan time.Time
		)
		defer func() {
			if debouncer != nil {
				debouncer.Stop()
			}
		}()

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != base || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
					continue
				}
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.NewTimer(debounce)
				fire = debouncer.C

			case <-fire:
				fire = nil
				c, err := Load(path)
				if !send(sctx, Event{Config: c, Err: err}) {
					return nil
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !send(sctx, Event{Err: err}) {
					return nil
				}
			}
		}
		return nil
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return ch, cleanup, nil
}
