package ipc

import (
	"errors"
	"sync"
)

// ErrInboxFull is returned when a LocalWindow's buffer is exhausted.
var ErrInboxFull = errors.New("ipc: window inbox full")

// Delivery is one message received by a LocalWindow.
type Delivery struct {
	Channel string
	Payload []byte
}

// LocalWindow is a buffered in-memory Window for renderers running inside
// this process.
type LocalWindow struct {
	id int

	mu        sync.Mutex
	inbox     chan Delivery
	destroyed bool
}

// NewLocalWindow creates a window whose inbox holds up to buffer messages.
func NewLocalWindow(id, buffer int) *LocalWindow {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalWindow{
		id:    id,
		inbox: make(chan Delivery, buffer),
	}
}

// ID implements Window.
func (w *LocalWindow) ID() int {
	return w.id
}

// Send implements Window. It never blocks.
func (w *LocalWindow) Send(channel string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return ErrWindowDestroyed
	}

	select {
	case w.inbox <- Delivery{Channel: channel, Payload: payload}:
		return nil
	default:
		return ErrInboxFull
	}
}

// IsDestroyed implements Window.
func (w *LocalWindow) IsDestroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

// Destroy tears the window down and closes its inbox. Idempotent.
func (w *LocalWindow) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return
	}
	w.destroyed = true
	close(w.inbox)
}

// Inbox returns the channel messages are delivered on.
func (w *LocalWindow) Inbox() <-chan Delivery {
	return w.inbox
}
