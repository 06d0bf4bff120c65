// Package loadtest drives the dispatcher and broadcaster from many concurrent
// clients at once.
//
// Every client is a registered session issuing a fixed mix of reads and
// writes against a single counter row. Because each write is a
// read-modify-write in SQL, any lost update would show up as a wrong final
// counter, which is how the harness checks that the store really serializes
// writers.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/session"
	"github.com/jemulator/syncd/internal/store"
)

// Harness is a populated store with the sync components wired around it.
type Harness struct {
	Store       *store.Store
	Dispatcher  *dispatch.Dispatcher
	Broadcaster *broadcast.Broadcaster
	Registry    *session.Registry

	// CounterID is the component row every client increments
	CounterID int64

	listeners []*countingSender
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	ByKind    map[dispatch.Kind]int
	Durations []time.Duration

	// Mutations is the number of successful query/exec operations
	Mutations int64

	// Notifications is the number of db:change frames delivered
	Notifications int64
}

// countingSender is a session endpoint that only counts what it receives.
type countingSender struct {
	received atomic.Int64
}

func (s *countingSender) Send(ctx context.Context, data []byte) error {
	s.received.Add(1)
	return nil
}

func (s *countingSender) Closed() bool { return false }

// CreateHarness opens a store at dbPath, adds a counter component and
// registers numListeners passive sessions that receive every change.
func CreateHarness(dbPath string, numListeners int) (*Harness, error) {
	st, err := store.Open(dbPath, logging.Discard())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := session.NewRegistry()
	h := &Harness{
		Store:       st,
		Dispatcher:  dispatch.New(st, logging.Discard()),
		Broadcaster: broadcast.New(registry, logging.Discard()),
		Registry:    registry,
	}

	res, err := st.Query(context.Background(),
		"INSERT INTO components (project_id, type, name, position_x, position_y, properties) VALUES (1, 'counter', 'Load Counter', 0, 0, '{}')")
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to insert counter: %w", err)
	}
	h.CounterID = res.LastInsertRowID

	for i := 0; i < numListeners; i++ {
		l := &countingSender{}
		registry.Register(session.TransportIPC, l)
		h.listeners = append(h.listeners, l)
	}

	return h, nil
}

// Close closes the store.
func (h *Harness) Close() error {
	if h.Store != nil {
		return h.Store.Close()
	}
	return nil
}

// opFor returns the j-th operation of client i. The mix is a quarter each of
// query, get, all and exec.
func (h *Harness) opFor(i, j int) dispatch.Operation {
	corr := fmt.Sprintf("c%d-%d", i, j)

	switch (i + j) % 4 {
	case 0:
		return dispatch.Operation{
			Kind:          dispatch.KindQuery,
			SQL:           "UPDATE components SET position_x = position_x + 1 WHERE id = ?",
			Params:        []any{h.CounterID},
			CorrelationID: corr,
		}
	case 1:
		return dispatch.Operation{
			Kind:          dispatch.KindGet,
			SQL:           "SELECT position_x, position_y FROM components WHERE id = ?",
			Params:        []any{h.CounterID},
			CorrelationID: corr,
		}
	case 2:
		return dispatch.Operation{
			Kind:          dispatch.KindAll,
			SQL:           "SELECT id, type, name FROM components ORDER BY id",
			CorrelationID: corr,
		}
	default:
		return dispatch.Operation{
			Kind:          dispatch.KindExec,
			SQL:           fmt.Sprintf("UPDATE components SET position_y = position_y + 1 WHERE id = %d", h.CounterID),
			CorrelationID: corr,
		}
	}
}

// RunConcurrentClients simulates numClients sessions each issuing
// opsPerClient operations, broadcasting every successful mutation the way
// the transports do. Returns aggregated latency statistics.
func (h *Harness) RunConcurrentClients(ctx context.Context, numClients, opsPerClient int) (*LatencyStats, error) {
	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		allDurations  []time.Duration
		byKind        = make(map[dispatch.Kind]int)
		errorCount    int
		mutations     atomic.Int64
		notifications atomic.Int64
	)

	clients := make([]string, numClients)
	for i := range clients {
		clients[i] = h.Registry.Register(session.TransportWebSocket, &countingSender{})
	}
	defer func() {
		for _, id := range clients {
			h.Registry.Unregister(id)
		}
	}()

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientIdx int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, opsPerClient)
			kinds := make(map[dispatch.Kind]int)
			errs := 0

			for j := 0; j < opsPerClient; j++ {
				if ctx.Err() != nil {
					break
				}
				op := h.opFor(clientIdx, j)

				start := time.Now()
				resp := h.Dispatcher.Execute(ctx, op)
				if resp.Success && op.Kind.Mutating() {
					mutations.Add(1)
					res := h.Broadcaster.NotifyChange(ctx, broadcast.ChangeNotification{
						Operation:       op,
						Result:          resp.Data,
						OriginSessionID: clients[clientIdx],
					})
					notifications.Add(int64(res.Delivered))
				}
				durations = append(durations, time.Since(start))
				kinds[op.Kind]++

				if !resp.Success {
					errs++
				}
			}

			mu.Lock()
			allDurations = append(allDurations, durations...)
			for k, n := range kinds {
				byKind[k] += n
			}
			errorCount += errs
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no operations completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	stats.ByKind = byKind
	stats.Mutations = mutations.Load()
	stats.Notifications = notifications.Load()
	return stats, nil
}

// ExpectedCounters returns the counter values a run of numClients x
// opsPerClient must leave behind, given the fixed operation mix.
func ExpectedCounters(numClients, opsPerClient int) (x, y int64) {
	for i := 0; i < numClients; i++ {
		for j := 0; j < opsPerClient; j++ {
			switch (i + j) % 4 {
			case 0:
				x++
			case 3:
				y++
			}
		}
	}
	return x, y
}

// VerifyCounters checks that no write was lost.
func (h *Harness) VerifyCounters(ctx context.Context, wantX, wantY int64) error {
	row, err := h.Store.Get(ctx, "SELECT position_x, position_y FROM components WHERE id = ?", h.CounterID)
	if err != nil {
		return fmt.Errorf("failed to read counter: %w", err)
	}
	if row == nil {
		return fmt.Errorf("counter row %d is missing", h.CounterID)
	}

	gotX, gotY := toInt64(row["position_x"]), toInt64(row["position_y"])
	if gotX != wantX || gotY != wantY {
		return fmt.Errorf("lost updates: counter is (%d, %d), want (%d, %d)", gotX, gotY, wantX, wantY)
	}
	return nil
}

// ListenerDeliveries returns how many messages each passive listener got.
func (h *Harness) ListenerDeliveries() []int64 {
	out := make([]int64, len(h.listeners))
	for i, l := range h.listeners {
		out[i] = l.received.Load()
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return -1
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Ops:     %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	for _, k := range []dispatch.Kind{dispatch.KindQuery, dispatch.KindExec, dispatch.KindGet, dispatch.KindAll} {
		fmt.Fprintf(w, "  %-14s %d\n", string(k)+":", s.ByKind[k])
	}
	fmt.Fprintf(w, "  Mutations:     %d\n", s.Mutations)
	fmt.Fprintf(w, "  Notifications: %d\n", s.Notifications)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
