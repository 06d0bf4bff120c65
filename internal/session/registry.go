// Package session tracks every connected transport endpoint.
//
// A session is created when an IPC window or WebSocket client connects,
// updated when the client declares its application type, and removed when
// the connection closes. The live connection handle is an attribute of the
// session; the registry is keyed by an opaque generated id, never by the
// handle itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id is not registered.
var ErrNotFound = errors.New("session not found")

// UnknownClientType is the type of a session that has not declared one.
const UnknownClientType = "unknown"

// TransportKind identifies how a session is connected.
type TransportKind string

const (
	TransportIPC       TransportKind = "ipc"
	TransportWebSocket TransportKind = "websocket"
)

// Sender delivers an encoded message to one connected client.
type Sender interface {
	// Send writes one message. It must be safe to call from any goroutine
	// and must return an error, not panic, once the connection is gone.
	Send(ctx context.Context, data []byte) error

	// Closed reports whether the connection can no longer be written to.
	Closed() bool
}

// Session is a snapshot of one registered connection.
type Session struct {
	ID          string
	ClientType  string
	Transport   TransportKind
	ConnectedAt time.Time

	// Sender is the live handle. It may already be closed by the time a
	// snapshot is used.
	Sender Sender

	seq uint64
}

// Registry holds the set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      atomic.Uint64
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register adds a session for sender and returns its id.
//
// Ids combine a process-wide counter with a random fragment, so an id is
// never handed out twice during the life of the process even after the
// session that held it is gone.
func (r *Registry) Register(kind TransportKind, sender Sender) string {
	seq := r.seq.Add(1)
	id := fmt.Sprintf("%s_%d_%s", kind, seq, uuid.NewString()[:8])

	r.mu.Lock()
	r.sessions[id] = &Session{
		ID:          id,
		ClientType:  UnknownClientType,
		Transport:   kind,
		ConnectedAt: r.now(),
		Sender:      sender,
		seq:         seq,
	}
	r.mu.Unlock()

	return id
}

// DeclareType records the client's application type. Last write wins.
func (r *Registry) DeclareType(id, clientType string) error {
	if clientType == "" {
		clientType = UnknownClientType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.ClientType = clientType
	return nil
}

// Unregister removes a session. It reports whether the session was present;
// removing an id twice is harmless.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
