package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
	"github.com/jemulator/syncd/internal/session"
)

// recordingSender captures everything sent to it.
type recordingSender struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
	err      error
	panics   bool
	block    bool
}

func (s *recordingSender) Send(ctx context.Context, data []byte) error {
	if s.panics {
		panic("sender exploded")
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, data)
	return nil
}

func (s *recordingSender) Closed() bool {
	return s.closed
}

func (s *recordingSender) messages(t *testing.T) []protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Message, 0, len(s.received))
	for _, data := range s.received {
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("invalid frame %s: %v", data, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestNotifyChange_ExcludesOrigin(t *testing.T) {
	reg := session.NewRegistry()
	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	idA := reg.Register(session.TransportWebSocket, a)
	reg.Register(session.TransportWebSocket, b)
	reg.Register(session.TransportIPC, c)

	bc := New(reg, logging.Discard())
	op := dispatch.Operation{Kind: dispatch.KindExec, SQL: "UPDATE components SET position_x=500 WHERE id=1"}

	res := bc.NotifyChange(context.Background(), ChangeNotification{Operation: op, OriginSessionID: idA})
	if res.Delivered != 2 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("Result = %+v, want 2 delivered", res)
	}

	if got := len(a.messages(t)); got != 0 {
		t.Errorf("origin received %d messages, want 0", got)
	}
	for name, s := range map[string]*recordingSender{"b": b, "c": c} {
		msgs := s.messages(t)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages, want 1", name, len(msgs))
		}
		if msgs[0].Type != protocol.TypeDBChange {
			t.Errorf("%s got type %s, want db:change", name, msgs[0].Type)
		}
		var n ChangeNotification
		if err := json.Unmarshal(msgs[0].Payload, &n); err != nil {
			t.Fatalf("payload unmarshal failed: %v", err)
		}
		if n.Operation.SQL != op.SQL || n.Operation.Kind != op.Kind {
			t.Errorf("%s operation = %+v, want %+v", name, n.Operation, op)
		}
		if n.OriginSessionID != idA {
			t.Errorf("%s origin = %q, want %q", name, n.OriginSessionID, idA)
		}
		if n.Timestamp == 0 {
			t.Errorf("%s timestamp not set", name)
		}
	}
}

// TestNotifyChange_CarriesClientPayload tests that the operation goes out as
// the client spelled it, legacy field names and booleans included
func TestNotifyChange_CarriesClientPayload(t *testing.T) {
	reg := session.NewRegistry()
	b := &recordingSender{}
	reg.Register(session.TransportWebSocket, b)

	raw := json.RawMessage(`{"type":"query","sql":"UPDATE components SET is_on = ? WHERE id = ?","params":[true,3]}`)
	op, err := dispatch.ParseOperation(raw)
	if err != nil {
		t.Fatalf("ParseOperation() failed: %v", err)
	}

	New(reg, logging.Discard()).NotifyChange(context.Background(), ChangeNotification{
		Operation:    op,
		RawOperation: raw,
	})

	msgs := b.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	var payload struct {
		Operation map[string]any `json:"operation"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	var want map[string]any
	_ = json.Unmarshal(raw, &want)
	if !reflect.DeepEqual(payload.Operation, want) {
		t.Errorf("operation = %v, want %v", payload.Operation, want)
	}
	if payload.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

// TestBroadcast_BadTargetsIsolated tests that one failing target does not stop the batch
func TestBroadcast_BadTargetsIsolated(t *testing.T) {
	reg := session.NewRegistry()
	good1 := &recordingSender{}
	closed := &recordingSender{closed: true}
	failing := &recordingSender{err: errors.New("broken pipe")}
	panicking := &recordingSender{panics: true}
	good2 := &recordingSender{}

	reg.Register(session.TransportWebSocket, good1)
	reg.Register(session.TransportWebSocket, closed)
	reg.Register(session.TransportWebSocket, failing)
	reg.Register(session.TransportIPC, panicking)
	reg.Register(session.TransportWebSocket, good2)

	bc := New(reg, logging.Discard())
	msg, _ := protocol.New(protocol.TypePong, protocol.PongPayload{Timestamp: 1}, "")
	res := bc.Broadcast(context.Background(), msg, "")

	if res != (Result{Delivered: 2, Skipped: 1, Failed: 2}) {
		t.Errorf("Result = %+v, want 2 delivered / 1 skipped / 2 failed", res)
	}
	if len(good1.messages(t)) != 1 || len(good2.messages(t)) != 1 {
		t.Error("healthy targets did not receive the message")
	}
}

func TestBroadcast_WriteTimeout(t *testing.T) {
	reg := session.NewRegistry()
	reg.Register(session.TransportWebSocket, &recordingSender{block: true})
	fast := &recordingSender{}
	reg.Register(session.TransportWebSocket, fast)

	bc := New(reg, logging.Discard(), WithWriteTimeout(20*time.Millisecond))
	msg, _ := protocol.New(protocol.TypePong, nil, "")

	start := time.Now()
	res := bc.Broadcast(context.Background(), msg, "")
	if time.Since(start) > 2*time.Second {
		t.Errorf("blocked sender stalled the batch for %v", time.Since(start))
	}
	if res.Failed != 1 || res.Delivered != 1 {
		t.Errorf("Result = %+v, want 1 failed / 1 delivered", res)
	}
}

func TestNotifyClientList(t *testing.T) {
	reg := session.NewRegistry()
	a, b := &recordingSender{}, &recordingSender{}
	idA := reg.Register(session.TransportWebSocket, a)
	idB := reg.Register(session.TransportWebSocket, b)
	_ = reg.DeclareType(idA, "react")

	bc := New(reg, logging.Discard())
	bc.NotifyClientList(context.Background(), idA)

	if len(a.messages(t)) != 0 {
		t.Error("excluded session received the update")
	}
	msgs := b.messages(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeClientListUpdate {
		t.Fatalf("b received %+v", msgs)
	}

	var payload protocol.ClientListPayload
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if len(payload.Clients) != 2 {
		t.Fatalf("clients = %+v, want 2", payload.Clients)
	}
	if payload.Clients[0].ID != idA || payload.Clients[0].Type != "react" {
		t.Errorf("first client = %+v", payload.Clients[0])
	}
	if payload.Clients[1].ID != idB || payload.Clients[1].Type != session.UnknownClientType {
		t.Errorf("second client = %+v", payload.Clients[1])
	}
}
