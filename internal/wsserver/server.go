// Package wsserver exposes the operation dispatcher over WebSocket.
//
// Every socket becomes a websocket session in the registry as soon as it
// connects. Frames are processed one at a time per connection, in the order
// received; a malformed frame is answered with an error frame and never
// drops the socket.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/session"
)

// DefaultPort is the port renderers and external tools expect.
const DefaultPort = 8080

// readLimit caps a single inbound frame. SQL scripts sent with exec can be
// much larger than the library default.
const readLimit = 4 << 20

// Server manages WebSocket connections and routes their frames
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	registry    *session.Registry

	// Connections by session id
	clients   map[string]*client
	clientsMu sync.RWMutex
	stopping  bool

	writeTimeout time.Duration

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// WriteTimeout bounds every write to a single socket (default: 5s)
	WriteTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:         DefaultPort,
		WriteTimeout: broadcast.DefaultWriteTimeout,
		Logger:       log.New(os.Stderr, "[ws] ", log.LstdFlags),
	}
}

// NewServer creates a WebSocket server that executes operations with
// dispatcher, tracks sockets in registry and fans changes out through
// broadcaster.
func NewServer(
	config *Config,
	dispatcher *dispatch.Dispatcher,
	broadcaster *broadcast.Broadcaster,
	registry *session.Registry,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = broadcast.DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port)),
		dispatcher:   dispatcher,
		broadcaster:  broadcaster,
		registry:     registry,
		clients:      make(map[string]*client),
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       config.Logger,
	}
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("WebSocket server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)
	return r
}

// Stop closes every socket with "going away" and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping WebSocket server")

	s.clientsMu.Lock()
	s.stopping = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "Server shutting down")
	}

	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("WebSocket server stopped")
	return nil
}

// handleWebSocket upgrades the request and runs the connection until it closes
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{conn: conn, timeout: s.writeTimeout}

	// The connection frame must be the first thing the client sees, so
	// broadcasts wait on the write lock until it is out.
	c.writeMu.Lock()
	s.clientsMu.Lock()
	if s.stopping {
		s.clientsMu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	c.id = s.registry.Register(session.TransportWebSocket, c)
	s.clients[c.id] = c
	clientCount := len(s.clients)
	s.wg.Add(1)
	s.clientsMu.Unlock()

	err = s.sendConnection(c)
	c.writeMu.Unlock()

	s.logger.Printf("Client %s connected from %s (total: %d)", c.id, r.RemoteAddr, clientCount)
	if err != nil {
		s.logger.Printf("Failed to greet %s: %v", c.id, err)
	}

	defer s.wg.Done()
	s.readLoop(c)
}

// readLoop processes frames from one client strictly in order
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		typ, data, err := c.conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && s.ctx.Err() == nil {
				s.logger.Printf("Read from %s failed: %v", c.id, err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.replyError(c, "", "binary frames are not supported")
			continue
		}
		s.handleFrame(s.ctx, c, data)
	}
}

// removeClient unregisters a closed connection and tells everyone left
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, exists := s.clients[c.id]
	delete(s.clients, c.id)
	clientCount := len(s.clients)
	stopping := s.stopping
	s.clientsMu.Unlock()

	c.close(websocket.StatusNormalClosure, "")
	s.registry.Unregister(c.id)

	if !exists {
		return
	}
	s.logger.Printf("Client %s disconnected (total: %d)", c.id, clientCount)

	if !stopping {
		s.broadcaster.NotifyClientList(s.ctx, "")
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"sessions": s.registry.Len(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>jemulator sync</title>
</head>
<body>
    <h1>jemulator sync server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Send <code>{"type":"db:operation","payload":{...}}</code> frames to run SQL and receive change notifications.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
