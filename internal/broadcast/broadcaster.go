// Package broadcast fans messages out to every registered session.
//
// Delivery is best effort: there is no queue, no retry and no durability.
// A target that is closed, fails or panics is skipped without affecting the
// rest of the batch.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
	"github.com/jemulator/syncd/internal/session"
)

// DefaultWriteTimeout bounds a single send.
const DefaultWriteTimeout = 5 * time.Second

// ChangeNotification announces a successfully applied mutation.
type ChangeNotification struct {
	Operation       dispatch.Operation `json:"operation"`
	Result          any                `json:"result,omitempty"`
	OriginSessionID string             `json:"originSessionId,omitempty"`
	Timestamp       int64              `json:"timestamp"`

	// Source is SourceExternal for writes detected on the file rather than
	// applied through the dispatcher.
	Source string `json:"source,omitempty"`

	// RawOperation is the operation exactly as the originating client sent
	// it. When set it is what goes on the wire as "operation", so receivers
	// see the client's own field names and parameter values.
	RawOperation json.RawMessage `json:"-"`
}

// MarshalJSON encodes n, substituting RawOperation for Operation when set.
func (n ChangeNotification) MarshalJSON() ([]byte, error) {
	type plain ChangeNotification
	if len(n.RawOperation) == 0 {
		return json.Marshal(plain(n))
	}
	return json.Marshal(struct {
		plain
		Operation json.RawMessage `json:"operation"`
	}{plain(n), n.RawOperation})
}

// SourceExternal marks a change made to the store file by another process.
// Its Operation is empty: clients should refetch whatever they display.
const SourceExternal = "external"

// Result summarizes one fan-out.
type Result struct {
	Delivered int
	Skipped   int
	Failed    int
}

// Broadcaster delivers messages to the sessions of a registry.
type Broadcaster struct {
	registry     *session.Registry
	logger       *log.Logger
	writeTimeout time.Duration
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// New creates a broadcaster over registry.
// If logger is nil, a default logger writing to stderr is used.
func New(registry *session.Registry, logger *log.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	b := &Broadcaster{
		registry:     registry,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast sends msg to every session except excludeID. Pass an empty
// excludeID to reach everyone.
func (b *Broadcaster) Broadcast(ctx context.Context, msg protocol.Message, excludeID string) Result {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return Result{}
	}

	var res Result
	for _, s := range b.registry.List() {
		if s.ID == excludeID {
			continue
		}
		if s.Sender == nil || s.Sender.Closed() {
			res.Skipped++
			continue
		}

		if err := b.sendOne(ctx, s, data); err != nil {
			logging.Debugf(b.logger, "Failed to send %s to %s: %v", msg.Type, s.ID, err)
			res.Failed++
			continue
		}
		res.Delivered++
	}

	logging.Debugf(b.logger, "%s: delivered=%d skipped=%d failed=%d", msg.Type, res.Delivered, res.Skipped, res.Failed)
	return res
}

// NotifyChange broadcasts a db:change for n to every session but its origin.
func (b *Broadcaster) NotifyChange(ctx context.Context, n ChangeNotification) Result {
	if n.Timestamp == 0 {
		n.Timestamp = protocol.Now()
	}

	msg, err := protocol.New(protocol.TypeDBChange, n, "")
	if err != nil {
		b.logger.Printf("Failed to build change notification: %v", err)
		return Result{}
	}
	return b.Broadcast(ctx, msg, n.OriginSessionID)
}

// ClientList returns the registry as protocol client info, oldest first.
func (b *Broadcaster) ClientList() []protocol.ClientInfo {
	sessions := b.registry.List()
	out := make([]protocol.ClientInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.ClientInfo{
			ID:        s.ID,
			Type:      s.ClientType,
			Transport: string(s.Transport),
		})
	}
	return out
}

// NotifyClientList broadcasts the current client list to everyone except excludeID.
func (b *Broadcaster) NotifyClientList(ctx context.Context, excludeID string) Result {
	msg, err := protocol.New(protocol.TypeClientListUpdate, protocol.ClientListPayload{Clients: b.ClientList()}, "")
	if err != nil {
		b.logger.Printf("Failed to build client list: %v", err)
		return Result{}
	}
	return b.Broadcast(ctx, msg, excludeID)
}

// sendOne isolates a single delivery, including from panics in the sender.
func (b *Broadcaster) sendOne(ctx context.Context, s session.Session, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	return s.Sender.Send(ctx, data)
}
