package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func nextEvent(t *testing.T, fw *FileWatcher) FileEvent {
	t.Helper()
	select {
	case ev := <-fw.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for file event")
		return FileEvent{}
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := fw.Start(filepath.Join(dir, "a.db")); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Start(filepath.Join(dir, "a.db")); err == nil {
		t.Error("second Start() succeeded, want error")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if err := fw.Start(filepath.Join(dir, "a.db")); err == nil {
		t.Error("Start() after Stop() succeeded, want error")
	}
	if _, ok := <-fw.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
}

func TestFileWatcher_StopWithoutStart(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestFileWatcher_StartErrors(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(); err == nil {
		t.Error("Start() with no paths succeeded, want error")
	}
	if err := fw.Start(filepath.Join(t.TempDir(), "missing", "a.db")); err == nil {
		t.Error("Start() in a missing directory succeeded, want error")
	}
}

func TestFileWatcher_FiltersToWatchedFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "jemulator.db")
	wal := target + "-wal"

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(target, wal); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Unrelated files in the same directory produce nothing, so the first
	// event seen must be for the target.
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, target, "data")

	ev := nextEvent(t, fw)
	if ev.Path != target || ev.Op != OpWrite {
		t.Fatalf("event = %+v, want write of %s", ev, target)
	}

	// Drain the write events of the create above.
	deadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-fw.Events():
		case <-deadline:
			break drain
		}
	}

	writeFile(t, wal, "frames")
	if ev := nextEvent(t, fw); ev.Path != wal || ev.Op != OpWrite {
		t.Fatalf("event = %+v, want write of %s", ev, wal)
	}
}

func TestFileWatcher_Remove(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "jemulator.db")
	writeFile(t, target, "data")

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(target); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ev := nextEvent(t, fw); ev.Op != OpRemove {
		t.Errorf("event op = %s, want remove", ev.Op)
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

// fakeSource is a VersionSource whose version the test moves by hand.
type fakeSource struct {
	v atomic.Int64
}

func (s *fakeSource) DataVersion(ctx context.Context) (int64, error) {
	return s.v.Load(), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []broadcast.ChangeNotification
}

func (r *recordingNotifier) NotifyChange(ctx context.Context, n broadcast.ChangeNotification) broadcast.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	return broadcast.Result{Delivered: 1}
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingNotifier) waitFor(t *testing.T, n int) []broadcast.ChangeNotification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			r.mu.Lock()
			defer r.mu.Unlock()
			return append([]broadcast.ChangeNotification(nil), r.calls...)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d notifications, want %d", r.count(), n)
	return nil
}

func startNotifier(t *testing.T, path string, src VersionSource, rec *recordingNotifier) *Notifier {
	t.Helper()
	n, err := NewNotifier(Config{Path: path, Debounce: 30 * time.Millisecond, Logger: logging.Discard()}, src, rec)
	if err != nil {
		t.Fatalf("NewNotifier() failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestNotifier_OnlyWhenVersionMoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jemulator.db")
	src := &fakeSource{}
	rec := &recordingNotifier{}
	startNotifier(t, path, src, rec)

	writeFile(t, path, "own write")
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("notified %d times for a write that left the version alone", rec.count())
	}

	// A burst of events after one commit is coalesced into one notification.
	src.v.Add(1)
	for i := 0; i < 10; i++ {
		writeFile(t, path+"-wal", "frame")
	}
	calls := rec.waitFor(t, 1)

	time.Sleep(300 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("notified %d times, want 1", rec.count())
	}
	if calls[0].Source != broadcast.SourceExternal || calls[0].Operation.Kind != dispatch.KindExec {
		t.Errorf("notification = %+v", calls[0])
	}
	if calls[0].OriginSessionID != "" {
		t.Errorf("external change should have no origin, got %q", calls[0].OriginSessionID)
	}
}

func TestNotifier_DetectsOtherProcessWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jemulator.db")
	ctx := context.Background()

	own, err := store.Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer own.Close()

	rec := &recordingNotifier{}
	startNotifier(t, path, own, rec)

	if _, err := own.Query(ctx, `UPDATE components SET position_x = 10 WHERE id = 1`); err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("own write produced %d notifications", rec.count())
	}

	other, err := store.Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("second store.Open() failed: %v", err)
	}
	defer other.Close()

	if _, err := other.Query(ctx, `UPDATE components SET position_x = 20 WHERE id = 1`); err != nil {
		t.Fatalf("Query() on second handle failed: %v", err)
	}
	rec.waitFor(t, 1)
}

func TestNotifier_StopIsIdempotent(t *testing.T) {
	n, err := NewNotifier(Config{Path: filepath.Join(t.TempDir(), "a.db"), Logger: logging.Discard()}, &fakeSource{}, &recordingNotifier{})
	if err != nil {
		t.Fatalf("NewNotifier() failed: %v", err)
	}
	n.Stop()
	n.Stop()
}

func TestNewNotifier_EmptyPath(t *testing.T) {
	if _, err := NewNotifier(Config{}, &fakeSource{}, &recordingNotifier{}); err == nil {
		t.Error("NewNotifier() with empty path succeeded, want error")
	}
}
