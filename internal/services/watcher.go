package services

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/observability"
)

// FolderWatcher watches the upload roots of a source and fires a callback
// once the tree has been quiet for the debounce period
type FolderWatcher struct {
	watcher  *fsnotify.Watcher
	filter   *fileFilter
	debounce time.Duration
	log      *observability.Logger

	mu      sync.Mutex
	watched map[string]bool
}

// NewFolderWatcher watches every available upload root of props recursively
func NewFolderWatcher(source string, props config.SourceProperties, debounce time.Duration) (*FolderWatcher, error) {
	filter, err := newFileFilter(props)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	fw := &FolderWatcher{
		watcher:  w,
		filter:   filter,
		debounce: debounce,
		log:      observability.GetLogger().WithSource(source).WithField("component", "watcher"),
		watched:  make(map[string]bool),
	}

	for _, root := range scanRoots(props) {
		if root.Unavailable {
			continue
		}
		if err := fw.addTree(root.Path); err != nil {
			fw.log.Warnf("Not watching %s: %v", root.Path, err)
		}
	}
	if len(fw.watched) == 0 {
		w.Close()
		return nil, fmt.Errorf("no watchable upload folder for source %s", source)
	}
	return fw, nil
}

// addTree registers dir and every non-excluded directory below it
func (fw *FolderWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && fw.filter.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		fw.mu.Lock()
		defer fw.mu.Unlock()
		if fw.watched[path] {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			return err
		}
		fw.watched[path] = true
		return nil
	})
}

// WatchedDirs returns how many directories are registered
func (fw *FolderWatcher) WatchedDirs() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.watched)
}

// relevant reports whether an event can change what the reconciler sees
func (fw *FolderWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Base(event.Name)
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) && !fw.filter.skipDir(name) {
			if err := fw.addTree(event.Name); err != nil {
				fw.log.Warnf("Not watching new folder %s: %v", event.Name, err)
			}
		}
		return !fw.filter.skipDir(name)
	}
	// removed or renamed paths cannot be stat'ed; size is unknown
	fw.mu.Lock()
	wasDir := fw.watched[event.Name]
	delete(fw.watched, event.Name)
	fw.mu.Unlock()
	return wasDir || fw.filter.accept(name, 0)
}

// Run delivers debounced change notifications to onChange until ctx is done.
// onChange runs on the watcher goroutine; events arriving meanwhile start a
// new quiet period.
func (fw *FolderWatcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer fw.watcher.Close()

	timer := time.NewTimer(fw.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if !fw.relevant(event) {
				continue
			}
			fw.log.Debugf("%s %s", event.Op, event.Name)
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(fw.debounce)
			pending = true

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.log.Warnf("Watch error: %v", err)

		case <-timer.C:
			pending = false
			onChange(ctx)
		}
	}
}
