package middleware

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 200 * time.Millisecond

// Watch reloads the session file at path whenever it changes on disk, until
// ctx is done. Bursts of events, as editors save in several steps, cause
// one reload. A file that fails to load leaves the engine as it was.
func (m *MiddleWare) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	// watch the directory, editors often replace the file
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch: %w", err)
	}
	abs, _ := filepath.Abs(path)
	go func() {
		defer w.Close()
		var timer <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if p, _ := filepath.Abs(ev.Name); p != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				timer = time.After(reloadDelay)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watch", "err", err)
			case <-timer:
				timer = nil
				m.Do(func(m *MiddleWare) {
					if m.clock.Now().Sub(m.savedAt) < time.Second {
						// our own save
						return
					}
					if err := m.LoadFile(path); err != nil {
						m.logger.Error("reloading session failed", "path", path, "err", err)
						return
					}
					m.logger.Info("session reloaded", "path", path)
				})
			}
		}
	}()
	return nil
}
