package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
)

// DefaultDebounce is how long the notifier waits after the last file event
// before checking the store. One commit touches the WAL several times.
const DefaultDebounce = 150 * time.Millisecond

// VersionSource reports a counter that changes when another process commits.
// *store.Store implements it.
type VersionSource interface {
	DataVersion(ctx context.Context) (int64, error)
}

// ChangeNotifier fans a change out to clients. *broadcast.Broadcaster
// implements it.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, n broadcast.ChangeNotification) broadcast.Result
}

// Config configures a Notifier.
type Config struct {
	// Path is the store file; its -wal file is watched as well
	Path string

	// Debounce overrides DefaultDebounce
	Debounce time.Duration

	Logger *log.Logger
}

// Notifier broadcasts a db:change with Source "external" whenever the store
// file is committed to by a process other than this one.
type Notifier struct {
	path     string
	debounce time.Duration
	source   VersionSource
	notify   ChangeNotifier
	logger   *log.Logger

	fw     *FileWatcher
	last   int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNotifier creates a notifier. It does nothing until Start.
func NewNotifier(config Config, source VersionSource, notify ChangeNotifier) (*Notifier, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	fw, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	return &Notifier{
		path:     config.Path,
		debounce: config.Debounce,
		source:   source,
		notify:   notify,
		logger:   config.Logger,
		fw:       fw,
	}, nil
}

// Start records the current data version and begins watching.
func (n *Notifier) Start(ctx context.Context) error {
	v, err := n.source.DataVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read initial data version: %w", err)
	}
	n.last = v

	if err := n.fw.Start(n.path, n.path+"-wal"); err != nil {
		return err
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.run(ctx)

	n.logger.Printf("Watching %s for external writes", n.path)
	return nil
}

// Stop ends watching and waits for the loop to exit. Safe to call more than
// once and without Start.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		if err := n.fw.Stop(); err != nil {
			n.logger.Printf("Error stopping file watcher: %v", err)
		}
	})
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()

	timer := time.NewTimer(n.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-n.fw.Events():
			if !ok {
				return
			}
			logging.Debugf(n.logger, "File event: %s %s", ev.Op, ev.Path)
			timer.Reset(n.debounce)

		case err, ok := <-n.fw.Errors():
			if !ok {
				return
			}
			n.logger.Printf("Watch error: %v", err)

		case <-timer.C:
			n.check(ctx)
		}
	}
}

// check broadcasts when the data version moved since the last check.
func (n *Notifier) check(ctx context.Context) {
	v, err := n.source.DataVersion(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Printf("Failed to read data version: %v", err)
		}
		return
	}
	if v == n.last {
		return
	}
	n.last = v

	res := n.notify.NotifyChange(ctx, broadcast.ChangeNotification{
		Operation: dispatch.Operation{Kind: dispatch.KindExec},
		Source:    broadcast.SourceExternal,
	})
	n.logger.Printf("External write detected; notified %d client(s)", res.Delivered)
}
