package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"planbot/pkg/logx"
)

const (
	settleDelay    = 250 * time.Millisecond
	rewatchBackoff = 250 * time.Millisecond
	rewatchCeiling = 5 * time.Second
)

// debouncer runs fn once events stop arriving for delay.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watch reloads the config whenever its file changes, until ctx ends.
// The parent directory is watched so editors that replace the file by
// rename are seen. A failed watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	deb := &debouncer{delay: settleDelay, fn: m.reload}
	defer deb.stop()

	wait := rewatchBackoff
	for {
		err := m.watchOnce(ctx, dir, name, deb)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// The watcher ran and then broke; start over from the base delay.
			wait = rewatchBackoff
		}
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("in", wait), logx.Err(err))
		if !pause(ctx, wait+rand.N(wait/2+1)) {
			return nil
		}
		wait = min(2*wait, rewatchCeiling)
	}
}

// watchOnce returns an error if the watcher could not be set up and nil
// when it stopped delivering events.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, deb *debouncer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				deb.poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				deb.poke()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
