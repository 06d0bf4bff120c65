// Package daemon wires the sync layer into one running process.
//
// The daemon:
// 1. Opens (and on first run seeds) the store
// 2. Binds the operation dispatcher on the in-process IPC bus
// 3. Serves the same dispatcher over WebSocket
// 4. Fans every successful mutation out to all other sessions
// 5. Announces writes other processes make to the store file
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/config"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/ipc"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/session"
	"github.com/jemulator/syncd/internal/store"
	"github.com/jemulator/syncd/internal/watch"
	"github.com/jemulator/syncd/internal/wsserver"
)

// Config holds configuration for the daemon.
type Config struct {
	// DBPath is the store file; parent directories are created as needed
	DBPath string

	// Host and Port the WebSocket server binds (Port 0 picks a free port)
	Host string
	Port int

	// WriteTimeout bounds a single write to any session
	WriteTimeout time.Duration

	// WatchStore broadcasts writes made to DBPath by other processes
	WatchStore bool

	// Sink provides the component loggers (default: stderr)
	Sink *logging.Sink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DBPath:       config.DefaultDBPath(),
		Port:         wsserver.DefaultPort,
		WriteTimeout: broadcast.DefaultWriteTimeout,
		WatchStore:   true,
	}
}

// ConfigFrom maps loaded settings onto a daemon Config.
func ConfigFrom(c *config.Config, sink *logging.Sink) *Config {
	return &Config{
		DBPath:       c.DB.Path,
		Host:         c.WS.Host,
		Port:         c.WS.Port,
		WriteTimeout: c.WS.WriteTimeout,
		WatchStore:   c.DB.Watch,
		Sink:         sink,
	}
}

// Daemon owns every component of the sync layer.
type Daemon struct {
	config *Config
	logger *log.Logger

	store       *store.Store
	registry    *session.Registry
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	bus         *ipc.Bus
	adapter     *ipc.Adapter
	ws          *wsserver.Server
	notifier    *watch.Notifier // nil unless WatchStore

	ready    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// New opens the store and builds every component. A store that cannot be
// created or opened is fatal and returned as an error.
func New(config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if config.Sink == nil {
		config.Sink = logging.NewSink(logging.Options{Debug: logging.DebugEnabled()})
	}
	sink := config.Sink

	st, err := store.Open(config.DBPath, sink.Logger("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := session.NewRegistry()
	dispatcher := dispatch.New(st, sink.Logger("dispatch"))
	broadcaster := broadcast.New(registry, sink.Logger("broadcast"), broadcast.WithWriteTimeout(config.WriteTimeout))

	bus := ipc.NewBus()
	adapter, err := ipc.NewAdapter(bus, dispatcher, broadcaster, registry, sink.Logger("ipc"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to bind ipc adapter: %w", err)
	}

	var notifier *watch.Notifier
	if config.WatchStore {
		notifier, err = watch.NewNotifier(watch.Config{
			Path:   config.DBPath,
			Logger: sink.Logger("watch"),
		}, st, broadcaster)
		if err != nil {
			adapter.Close()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create store watcher: %w", err)
		}
	}

	ws := wsserver.NewServer(&wsserver.Config{
		Host:         config.Host,
		Port:         config.Port,
		WriteTimeout: config.WriteTimeout,
		Logger:       sink.Logger("ws"),
	}, dispatcher, broadcaster, registry)

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:      config,
		logger:      sink.Logger("daemon"),
		store:       st,
		registry:    registry,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		bus:         bus,
		adapter:     adapter,
		ws:          ws,
		notifier:    notifier,
		ready:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start serves until ctx is cancelled or Stop is called. Failing to bind the
// WebSocket port is fatal: the daemon is stopped and the error returned.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if err := d.ws.Start(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start websocket server: %w", err)
	}

	// Losing external-change detection degrades the daemon but does not stop it.
	if d.notifier != nil {
		if err := d.notifier.Start(d.ctx); err != nil {
			d.logger.Printf("Warning: not watching store for external writes: %v", err)
		}
	}
	close(d.ready)

	d.logger.Printf("Serving %s on ws://%s/ws", d.store.Path(), d.ws.GetAddr())

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts every component down in reverse order. Only the first call
// does anything; later calls return the same result.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")
		d.cancel()

		if err := d.ws.Stop(); err != nil {
			d.logger.Printf("Error stopping websocket server: %v", err)
		}
		d.adapter.Close()
		if d.notifier != nil {
			d.notifier.Stop()
		}

		if err := d.store.Close(); err != nil {
			d.stopErr = fmt.Errorf("failed to close store: %w", err)
		}

		d.logger.Println("Daemon stopped")
	})
	return d.stopErr
}

// Ready is closed once the WebSocket server is accepting connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the WebSocket listen address.
func (d *Daemon) Addr() string {
	return d.ws.GetAddr()
}

// Bus is the IPC bus renderer windows attach to.
func (d *Daemon) Bus() *ipc.Bus {
	return d.bus
}

// Adapter is the IPC adapter bound on Bus.
func (d *Daemon) Adapter() *ipc.Adapter {
	return d.adapter
}

// Store returns the underlying store.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Registry returns the session registry shared by both transports.
func (d *Daemon) Registry() *session.Registry {
	return d.registry
}

// Dispatcher returns the shared dispatcher.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}
