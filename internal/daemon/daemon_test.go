package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/config"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/ipc"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
	"github.com/jemulator/syncd/internal/store"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DBPath:       filepath.Join(t.TempDir(), "nested", "jemulator.db"),
		Host:         "127.0.0.1",
		Port:         0,
		WriteTimeout: 2 * time.Second,
		Sink:         logging.NewSink(logging.Options{}),
	}
}

// startDaemon runs a daemon in the background and waits until it serves.
func startDaemon(t *testing.T, cfg *Config) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Start() failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		_ = d.Stop()
	})
	return d, cancel, errCh
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	return msg
}

func TestNew_CreatesAndSeedsStore(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	counts, err := d.Store().Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Users != 1 || counts.Projects != 1 || counts.Components != 3 {
		t.Errorf("Counts() = %+v, want seeded store", counts)
	}
}

func TestNew_FatalStoreError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(blocker, "jemulator.db")

	if _, err := New(cfg); err == nil {
		t.Fatal("New() with an unusable path succeeded, want error")
	}
	if _, err := New(&Config{}); err == nil {
		t.Fatal("New() with empty path succeeded, want error")
	}
}

func TestStart_PortInUseIsFatal(t *testing.T) {
	first, _, _ := startDaemon(t, testConfig(t))

	_, portStr, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort() failed: %v", err)
	}
	cfg := testConfig(t)
	if cfg.Port, err = strconv.Atoi(portStr); err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() on a bound port succeeded, want error")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() after failed Start = %v", err)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	_, cancel, errCh := startDaemon(t, testConfig(t))

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

// TestCrossTransport_WebSocketToWindow tests that a WebSocket write reaches IPC windows
func TestCrossTransport_WebSocketToWindow(t *testing.T) {
	d, _, _ := startDaemon(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := ipc.NewLocalWindow(1, 8)
	d.Bus().AddWindow(w)

	conn, _, err := websocket.Dial(ctx, "ws://"+d.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.CloseNow()
	readFrame(t, ctx, conn) // connection

	frame := `{"type":"db:operation","payload":{"kind":"exec","sqlText":"UPDATE components SET position_x=500 WHERE id=1"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if msg := readFrame(t, ctx, conn); msg.Type != protocol.TypeDBResult {
		t.Fatalf("got %s, want db:result", msg.Type)
	}

	// The window is a session from AddWindow on, so the client list sent
	// when the socket registered may arrive first.
	for {
		select {
		case got := <-w.Inbox():
			if got.Channel != ipc.ChannelChange {
				continue
			}
			var n broadcast.ChangeNotification
			if err := json.Unmarshal(got.Payload, &n); err != nil {
				t.Fatalf("payload unmarshal failed: %v", err)
			}
			if n.Operation.Kind != dispatch.KindExec {
				t.Errorf("operation = %+v", n.Operation)
			}
			return
		case <-ctx.Done():
			t.Fatal("window did not receive the change")
		}
	}
}

// TestCrossTransport_WindowToWebSocket tests that an IPC write reaches WebSocket clients
func TestCrossTransport_WindowToWebSocket(t *testing.T) {
	d, _, _ := startDaemon(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+d.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.CloseNow()
	readFrame(t, ctx, conn) // connection

	w := ipc.NewLocalWindow(1, 8)
	d.Bus().AddWindow(w)

	resp, err := ipc.InvokeOperation(ctx, d.Bus(), w, dispatch.Operation{
		Kind:   dispatch.KindQuery,
		SQL:    "INSERT INTO components (project_id, type, name) VALUES (?, ?, ?)",
		Params: []any{1, "switch", "Switch 1"},
	})
	if err != nil || !resp.Success {
		t.Fatalf("InvokeOperation() = %+v, %v", resp, err)
	}

	msg := readFrame(t, ctx, conn)
	if msg.Type != protocol.TypeDBChange {
		t.Fatalf("got %s, want db:change", msg.Type)
	}
	var n broadcast.ChangeNotification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if n.OriginSessionID == "" || n.Operation.Kind != dispatch.KindQuery {
		t.Errorf("notification = %+v", n)
	}
}

// TestExternalWrite_ReachesWebSocket tests that a commit by another process
// is announced to connected clients
func TestExternalWrite_ReachesWebSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.WatchStore = true
	d, _, _ := startDaemon(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+d.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.CloseNow()
	readFrame(t, ctx, conn) // connection

	other, err := store.Open(cfg.DBPath, logging.Discard())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer other.Close()
	if _, err := other.Query(ctx, `UPDATE components SET name = 'Renamed' WHERE id = 1`); err != nil {
		t.Fatalf("Query() failed: %v", err)
	}

	msg := readFrame(t, ctx, conn)
	if msg.Type != protocol.TypeDBChange {
		t.Fatalf("got %s, want db:change", msg.Type)
	}
	var n broadcast.ChangeNotification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if n.Source != broadcast.SourceExternal || n.OriginSessionID != "" {
		t.Errorf("notification = %+v", n)
	}
}

func TestConfigFrom(t *testing.T) {
	c := &config.Config{
		DB: config.DBConfig{Path: "/x.db", Watch: true},
		WS: config.WSConfig{Host: "h", Port: 1, WriteTimeout: time.Second},
	}
	got := ConfigFrom(c, nil)
	if got.DBPath != "/x.db" || got.Host != "h" || got.Port != 1 || got.WriteTimeout != time.Second || !got.WatchStore {
		t.Errorf("ConfigFrom() = %+v", got)
	}
}
