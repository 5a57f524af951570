package source

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/chatlens/internal/dataset"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads the file whenever it changes, until ctx is done. The parent
// directory is watched so that editors replacing the file by rename are seen.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}
		case <-debounce.C:
			if _, err := s.Load(ctx, dataset.OriginFile); err != nil {
				slog.Error("source reload failed", "path", s.path, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("watch error", "path", s.path, "err", err)
		}
	}
}
