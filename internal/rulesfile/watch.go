package rulesfile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/logger"
)

// settleDelay collapses the burst of events a single save produces
// (truncate, write, chmod) into one reload.
const settleDelay = 250 * time.Millisecond

// Watch monitors path and calls onChange with the newly loaded rules each
// time the file is written. It runs until ctx is cancelled.
//
// The parent directory is watched so editors that save by rename are seen.
// A file that fails to load is logged and onChange is not called.
func Watch(ctx context.Context, path string, onChange func([]alerts.Rule)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	logger.Info("rules: watching for changes", "path", abs)

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(settleDelay)

		case <-settle.C:
			rules, err := Load(abs)
			if err != nil {
				logger.Error("rules: reload failed, keeping previous rules", "path", abs, "error", err)
				continue
			}

			logger.Info("rules: reloaded", "path", abs, "rules", len(rules))
			onChange(rules)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("rules: watcher error", "error", err)
		}
	}
}
