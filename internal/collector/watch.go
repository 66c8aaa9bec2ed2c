package collector

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// watchDebounce groups the bursts of events editors produce for one save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the source as soon as it changes on disk instead of waiting
// for the next collection. A file source is watched via its directory so
// atomic renames are seen. Watch blocks until ctx is done.
func (c *Collector) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	source, err := filepath.Abs(c.source)
	if err != nil {
		return err
	}
	dirSource := isDir(source)
	if dirSource {
		err = addTree(watcher, source)
	} else {
		err = watcher.Add(filepath.Dir(source))
	}
	if err != nil {
		return fmt.Errorf("watching %s: %w", c.source, err)
	}

	var (
		timer   clockwork.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !dirSource && filepath.Clean(event.Name) != source {
				continue
			}
			if dirSource && event.Has(fsnotify.Create) && isDir(event.Name) {
				if err := addTree(watcher, event.Name); err != nil {
					c.logger.Warnf("Failed to watch new directory %s: %v", event.Name, err)
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = c.clock.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.Chan()
		case <-pending:
			pending = nil
			_, _ = c.ReloadIfOutdated()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Errorf("Config watcher error: %v", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
