package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TagsWatcher hot-reloads a tags sidecar file. Editors replace files on save
// (rename + create), so the watcher listens on the parent directory and
// debounces bursts before reloading.
type TagsWatcher struct {
	path     string
	onChange func(*TagsFile)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

const tagsReloadDebounce = 200 * time.Millisecond

// NewTagsWatcher creates a watcher for path. onChange runs on the watcher
// goroutine after every successful reload; a file that fails to parse is
// logged and skipped, keeping the previous tables live.
func NewTagsWatcher(path string, logger *zap.Logger, onChange func(*TagsFile)) (*TagsWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	tw := &TagsWatcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
		done:     make(chan struct{}),
	}
	go tw.loop()
	return tw, nil
}

func (tw *TagsWatcher) loop() {
	for {
		select {
		case <-tw.done:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				tw.scheduleReload()
			}
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.Warn("tags watcher error", zap.Error(err))
		}
	}
}

func (tw *TagsWatcher) scheduleReload() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timer != nil {
		tw.timer.Stop()
	}
	tw.timer = time.AfterFunc(tagsReloadDebounce, tw.reload)
}

func (tw *TagsWatcher) reload() {
	tf, err := LoadTagsFile(tw.path)
	if err != nil {
		tw.logger.Warn("tags reload skipped", zap.String("path", tw.path), zap.Error(err))
		return
	}
	tw.logger.Info("tags reloaded",
		zap.String("path", tw.path),
		zap.Int("tables", len(tf.Tables)))
	tw.onChange(tf)
}

// Close stops the watcher. Safe to call more than once.
func (tw *TagsWatcher) Close() error {
	var err error
	tw.once.Do(func() {
		close(tw.done)
		tw.mu.Lock()
		if tw.timer != nil {
			tw.timer.Stop()
		}
		tw.mu.Unlock()
		err = tw.watcher.Close()
	})
	return err
}
