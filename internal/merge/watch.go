package merge

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForResolution blocks until the in-progress merge in gitDir is
// concluded, i.e. MERGE_HEAD disappears because the operator committed or
// aborted the resolution. A slow poll backs up the watcher in case events
// are dropped.
func WaitForResolution(ctx context.Context, gitDir string) error {
	mergeHead := filepath.Join(gitDir, "MERGE_HEAD")

	if _, err := os.Stat(mergeHead); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(gitDir); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if event.Name == mergeHead && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case err := <-watcher.Errors:
			if err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := os.Stat(mergeHead); os.IsNotExist(err) {
				return nil
			}
		}
	}
}
