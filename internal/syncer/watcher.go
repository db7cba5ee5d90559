package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be set up.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// ChangeEvent reports that a tracked memory path changed on disk.
type ChangeEvent struct {
	// Root is the tracked path the change belongs to. A change anywhere
	// under a watched directory counts as a change to that root.
	Root string

	// Path is the file that actually changed.
	Path string

	Timestamp time.Time
}

// Watcher streams filesystem change notifications for the tracked memory
// files, so callers can trigger a sync pass instead of polling.
type Watcher struct {
	tracked []TrackedFile
	watcher *fsnotify.Watcher
	events  chan ChangeEvent
	stop    chan struct{}
	logger  *zap.Logger
}

// NewWatcher creates a watcher for the given tracked files.
func NewWatcher(tracked []TrackedFile, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		tracked: tracked,
		watcher: w,
		events:  make(chan ChangeEvent, 16),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Events returns the change notification channel.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching. Directory roots are watched recursively; new
// subdirectories are picked up as they appear.
func (w *Watcher) Start(ctx context.Context) error {
	for _, tf := range w.tracked {
		if err := w.addPath(tf.Path); err != nil {
			return err
		}
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) addPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Watch the parent so creation of the file registers.
			return w.watcher.Add(filepath.Dir(path))
		}
		return err
	}
	if !info.IsDir() {
		return w.watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

// rootFor maps an event path back to the tracked root it belongs to.
func (w *Watcher) rootFor(path string) (string, bool) {
	for _, tf := range w.tracked {
		if path == tf.Path {
			return tf.Path, true
		}
		if strings.HasPrefix(path, tf.Path+string(filepath.Separator)) {
			return tf.Path, true
		}
	}
	return "", false
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories under a watched root join the watch set.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			root, ok := w.rootFor(event.Name)
			if !ok {
				continue
			}
			select {
			case w.events <- ChangeEvent{Root: root, Path: event.Name, Timestamp: time.Now()}:
			default:
				w.logger.Debug("dropping change event, channel full",
					zap.String("path", event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Stop shuts the watcher down and releases its resources.
func (w *Watcher) Stop() error {
	close(w.stop)
	return w.watcher.Close()
}
