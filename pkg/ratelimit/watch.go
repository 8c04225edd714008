package ratelimit

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/casaflow/gateway/pkg/observability"
)

// WatchRulesFile reloads the rule table whenever the file changes, until ctx
// is cancelled. A broken edit keeps the previous table in place.
func WatchRulesFile(ctx context.Context, path string, rules *Rules, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				loaded, err := LoadRulesFile(path)
				if err != nil {
					logger.WithError(err).Warn("rules file reload failed, keeping previous rules")
					continue
				}
				if err := rules.Replace(loaded); err != nil {
					logger.WithError(err).Warn("rules file rejected, keeping previous rules")
					continue
				}
				logger.Infof("reloaded %d rate limit rules from %s", len(loaded), path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("rules file watcher error")
			}
		}
	}()

	return nil
}
