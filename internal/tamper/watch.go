package tamper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce batches rapid file events into one verification
// pass. Editors tend to fire several writes per save.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch verifies the policy dir whenever a policy file changes,
// debounced. Blocks until ctx is done; returns ctx.Err() then, or the
// watcher setup error.
func (d *Detector) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.log.WithField("dir", dir).Info("Watching policy directory")

	debounce := d.watchDebounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, PolicyExt) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if _, err := d.Verify(ctx, dir); err != nil {
						d.log.WithError(err).Error("Policy verification failed")
					}
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.WithError(err).Warn("Policy watcher error")
		}
	}
}
