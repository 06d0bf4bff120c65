// Package watch detects writes made to the store file by other processes
// and announces them to every connected client.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates the file was created or written.
	OpWrite EventOp = iota
	// OpRemove indicates the file was removed or renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one of the watched files.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	Op   EventOp
}

// FileWatcher watches a fixed set of files. The files need not exist yet:
// their parent directories are watched and events for other names dropped,
// which also survives the file being replaced.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	files   map[string]bool
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		files:   make(map[string]bool),
	}, nil
}

// Start begins watching paths.
func (fw *FileWatcher) Start(paths ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if fw.watcher == nil {
		return fmt.Errorf("watcher is stopped")
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to watch")
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		fw.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	for dir := range dirs {
		if err := fw.watcher.Add(dir); err != nil {
			for added := range dirs {
				_ = fw.watcher.Remove(added)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents(fw.watcher.Events, fw.watcher.Errors)

	return nil
}

// Stop stops watching and blocks until the event goroutine has exited.
// Stopping a watcher that never started just releases it.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.watcher == nil {
		fw.mu.Unlock()
		return nil
	}
	running := fw.running
	fw.running = false
	w := fw.watcher
	fw.watcher = nil
	fw.mu.Unlock()

	close(fw.done)

	// Closing the underlying watcher unblocks the event loop.
	err := w.Close()

	fw.wg.Wait()

	if running {
		close(fw.events)
		close(fw.errors)
	}

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when a started watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents(events <-chan fsnotify.Event, errs <-chan error) {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto a FileEvent, dropping events for
// other files in the same directory and chmod-only events.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !fw.files[abs] {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpRemove
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Op: op}, true
}
