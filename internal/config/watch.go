package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

// Watcher monitors the loader's config files and invokes the supplied callback
// with every snapshot that loads and validates. Stop must be called to release
// filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch wires fsnotify around the parent directories of the config files so
// editors that replace files atomically are still observed. A snapshot that
// fails to load is reported through onError and the previous one stays active.
func (l *Loader) Watch(ctx context.Context, onChange func(Config), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch requires a change callback")
	}
	files := l.Files()
	if len(files) == 0 {
		return nil, errors.New("config: no config files configured for watching")
	}

	targets := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{}, len(files))
	for _, path := range files {
		resolved, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("config: resolve %s: %w", path, err)
		}
		resolved = filepath.Clean(resolved)
		targets[resolved] = struct{}{}
		dirs[filepath.Dir(resolved)] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("config: watch add %s: %w", dir, err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch close: %w", err))
			}
		}()

		reload := func() {
			cfg, err := l.Load(watchCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				report(err)
				return
			}
			onChange(cfg)
		}

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(reloadDebounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(reloadDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, tracked := targets[filepath.Clean(event.Name)]; !tracked {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return w, nil
}
