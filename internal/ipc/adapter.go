package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
	"github.com/jemulator/syncd/internal/session"
)

// Channel names used between renderers and the main process.
const (
	// ChannelOperation is invoked with an Operation and replies with a Response.
	ChannelOperation = "db:operation"

	// ChannelChangeNotification is sent by a renderer after it changed data;
	// it is relayed to every other window unless the change was already
	// announced by the db:operation that made it.
	ChannelChangeNotification = "db:change-notification"

	// ChannelChange carries change notifications to renderers.
	ChannelChange = "db:change"
)

// RelayedChange is the payload of a db:change relayed from a renderer's
// db:change-notification.
type RelayedChange struct {
	Operation json.RawMessage `json:"operation"`
	Timestamp int64           `json:"timestamp"`
}

// DuplicateWindow is how long after a db:operation the sending renderer's
// db:change-notification for the same operation is treated as a repeat.
const DuplicateWindow = 5 * time.Second

// Adapter exposes the dispatcher over a Bus and attaches every open window
// as an ipc session, so changes made over any transport reach it.
type Adapter struct {
	bus         *Bus
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	registry    *session.Registry
	logger      *log.Logger
	now         func() time.Time

	mu        sync.Mutex
	sessions  map[int]string // window id -> session id
	announced []announcement
	offs      []func()
	closed    bool
}

// announcement is a mutation already broadcast on behalf of a window.
type announcement struct {
	window int
	key    string
	at     time.Time
}

// NewAdapter binds db:operation and db:change-notification on bus.
// It fails if another adapter already owns db:operation; call Close on the
// old adapter first.
func NewAdapter(
	bus *Bus,
	dispatcher *dispatch.Dispatcher,
	broadcaster *broadcast.Broadcaster,
	registry *session.Registry,
	logger *log.Logger,
) (*Adapter, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[ipc] ", log.LstdFlags)
	}

	a := &Adapter{
		bus:         bus,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		registry:    registry,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[int]string),
	}

	if err := bus.Handle(ChannelOperation, a.handleOperation); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", ChannelOperation, err)
	}

	a.offs = append(a.offs,
		bus.On(ChannelChangeNotification, a.handleChangeNotification),
		bus.OnWindowOpened(func(w Window) { a.attachWindow(w) }),
		bus.OnWindowClosed(a.DetachWindow),
	)

	// Windows opened before the adapter was bound.
	for _, w := range bus.Windows() {
		a.attachWindow(w)
	}

	return a, nil
}

// Close unbinds the adapter from the bus and drops its sessions.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	offs := a.offs
	a.offs = nil
	ids := make([]string, 0, len(a.sessions))
	for _, id := range a.sessions {
		ids = append(ids, id)
	}
	a.sessions = make(map[int]string)
	a.mu.Unlock()

	a.bus.RemoveHandler(ChannelOperation)
	for _, off := range offs {
		off()
	}
	for _, id := range ids {
		a.registry.Unregister(id)
	}
}

// SessionID returns the session of the open window w.
func (a *Adapter) SessionID(w Window) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.sessions[w.ID()]
	return id, ok
}

// attachWindow registers w as an ipc session, once, and returns its id.
// Windows not open on the bus are refused.
func (a *Adapter) attachWindow(w Window) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", false
	}
	if id, ok := a.sessions[w.ID()]; ok {
		return id, true
	}
	// Checked under a.mu: a concurrent RemoveWindow detaches after this.
	if !a.bus.HasWindow(w) {
		return "", false
	}

	id := a.registry.Register(session.TransportIPC, windowSender{w: w})
	a.sessions[w.ID()] = id
	a.logger.Printf("Window %d attached as %s", w.ID(), id)
	return id, true
}

// DetachWindow removes w's session. Safe to call for unknown windows.
func (a *Adapter) DetachWindow(w Window) {
	a.mu.Lock()
	id, ok := a.sessions[w.ID()]
	delete(a.sessions, w.ID())
	kept := a.announced[:0]
	for _, an := range a.announced {
		if an.window != w.ID() {
			kept = append(kept, an)
		}
	}
	a.announced = kept
	a.mu.Unlock()

	if ok && a.registry.Unregister(id) {
		a.logger.Printf("Window %d detached (%s)", w.ID(), id)
	}
}

// DeclareType records the application type of the renderer in w.
func (a *Adapter) DeclareType(w Window, clientType string) error {
	id, ok := a.attachWindow(w)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, w.ID())
	}
	return a.registry.DeclareType(id, clientType)
}

// handleOperation answers db:operation. Mutations are announced to every
// other session.
func (a *Adapter) handleOperation(ctx context.Context, sender Window, payload []byte) ([]byte, error) {
	origin, ok := a.attachWindow(sender)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWindow, sender.ID())
	}

	var resp dispatch.Response
	op, err := dispatch.ParseOperation(payload)
	if err != nil {
		resp = dispatch.Failure(op.CorrelationID, err)
	} else {
		resp = a.dispatcher.Execute(ctx, op)
		if resp.Success && op.Kind.Mutating() {
			a.remember(sender, op)
			a.broadcaster.NotifyChange(ctx, broadcast.ChangeNotification{
				Operation:       op,
				RawOperation:    payload,
				Result:          resp.Data,
				OriginSessionID: origin,
			})
		}
	}

	logging.Debugf(a.logger, "window %d %s -> success=%v", sender.ID(), op.Kind, resp.Success)
	return json.Marshal(resp)
}

// handleChangeNotification relays a renderer's change to every other
// window. The origin is recognized by its window handle. A notification
// for a mutation the same window just made through db:operation has
// already been broadcast and is dropped.
func (a *Adapter) handleChangeNotification(sender Window, payload []byte) {
	if !json.Valid(payload) {
		a.logger.Printf("Dropping malformed change notification from window %d", sender.ID())
		return
	}

	if op, err := dispatch.ParseOperation(payload); err == nil && a.forget(sender, op) {
		logging.Debugf(a.logger, "window %d change notification already broadcast", sender.ID())
		return
	}

	data, err := json.Marshal(RelayedChange{
		Operation: payload,
		Timestamp: protocol.Now(),
	})
	if err != nil {
		a.logger.Printf("Failed to marshal relayed change: %v", err)
		return
	}

	for _, w := range a.bus.Windows() {
		if w == sender || w.IsDestroyed() {
			continue
		}
		if err := w.Send(ChannelChange, data); err != nil {
			logging.Debugf(a.logger, "Failed to relay change to window %d: %v", w.ID(), err)
		}
	}
}

// remember records that op, sent by w, has been broadcast.
func (a *Adapter) remember(w Window, op dispatch.Operation) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)
	a.announced = append(a.announced, announcement{window: w.ID(), key: operationKey(op), at: now})
}

// forget removes one recent announcement of op by w and reports whether
// there was one.
func (a *Adapter) forget(w Window, op dispatch.Operation) bool {
	key := operationKey(op)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.now())
	for i, an := range a.announced {
		if an.window == w.ID() && an.key == key {
			a.announced = append(a.announced[:i], a.announced[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Adapter) pruneLocked(now time.Time) {
	kept := a.announced[:0]
	for _, an := range a.announced {
		if now.Sub(an.at) < DuplicateWindow {
			kept = append(kept, an)
		}
	}
	a.announced = kept
}

// operationKey identifies an operation by what it does. Correlation ids are
// left out: renderers often omit them on the notification.
func operationKey(op dispatch.Operation) string {
	params, _ := json.Marshal(op.Params)
	return string(op.Kind) + "\x00" + op.SQL + "\x00" + string(params)
}

// InvokeOperation is the renderer-side call: it sends op on behalf of w and
// waits for the response.
func InvokeOperation(ctx context.Context, bus *Bus, w Window, op dispatch.Operation) (dispatch.Response, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("failed to marshal operation: %w", err)
	}

	reply, err := bus.Invoke(ctx, w, ChannelOperation, payload)
	if err != nil {
		return dispatch.Response{}, err
	}

	var resp dispatch.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return dispatch.Response{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp, nil
}

// windowSender adapts a Window to session.Sender: the envelope type becomes
// the channel and the payload is delivered as-is.
type windowSender struct {
	w Window
}

func (s windowSender) Send(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.w.Send(string(msg.Type), msg.Payload)
}

func (s windowSender) Closed() bool {
	return s.w.IsDestroyed()
}
