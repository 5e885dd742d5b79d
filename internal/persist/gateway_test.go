package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/galavrah/machine-status-monitoring/internal/metrics"
	"github.com/galavrah/machine-status-monitoring/internal/models"
	"github.com/galavrah/machine-status-monitoring/internal/storage"
)

var errFlaky = errors.New("connection reset")

// scriptedStore wraps a MemoryStore, records every write call, and can hold
// or fail them.
type scriptedStore struct {
	*storage.MemoryStore

	mu       sync.Mutex
	calls    []string
	failures int
	gate     chan struct{}
	entered  chan struct{}
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}, 64),
	}
}

func (s *scriptedStore) enter(ctx context.Context, call string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	gate := s.gate
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	s.entered <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errFlaky
	}
	return nil
}

func (s *scriptedStore) AppendRecords(ctx context.Context, recs []models.StatusRecord) error {
	if err := s.enter(ctx, fmt.Sprintf("append:%d", len(recs))); err != nil {
		return err
	}
	return s.MemoryStore.AppendRecords(ctx, recs)
}

func (s *scriptedStore) UpdateLatestStatus(ctx context.Context, id string, status models.Liveness, at time.Time) error {
	if err := s.enter(ctx, "tag:"+string(status)); err != nil {
		return err
	}
	return s.MemoryStore.UpdateLatestStatus(ctx, id, status, at)
}

func (s *scriptedStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testConfig() Config {
	return Config{
		Lanes:          1,
		QueueSize:      16,
		BatchSize:      64,
		EnqueueTimeout: 10 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:    1,
			AttemptTimeout: 5 * time.Second,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
		},
	}
}

func rec(id string, at time.Time) models.StatusRecord {
	return models.StatusRecord{MachineID: id, Hostname: id, Status: models.Online, LastObserved: at, EventTime: at}
}

func closeGateway(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for n, w := range want {
		if got := p.Delay(n); got != w*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, w*time.Millisecond)
		}
	}
	if got := p.Delay(80); got != time.Second {
		t.Fatalf("Delay(80) = %v, want cap", got)
	}
}

func TestWritesReachStoreInOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	g := New(store, testConfig(), zaptest.NewLogger(t), nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := g.AppendRecord(ctx, rec("m1", now)); err != nil {
		t.Fatal(err)
	}
	if err := g.AppendRecord(ctx, rec("m1", now.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateLatestTag(ctx, "m1", models.Offline, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	closeGateway(t, g)

	hist, err := store.History(ctx, "m1", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Status != models.Online || hist[1].Status != models.Offline {
		t.Fatalf("history = %+v", hist)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := newScriptedStore()
	store.failures = 2
	m := metrics.New(nil)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	g := New(store, cfg, zaptest.NewLogger(t), m, nil)

	if err := g.AppendRecord(context.Background(), rec("m1", time.Now())); err != nil {
		t.Fatal(err)
	}
	closeGateway(t, g)

	if n := len(store.callLog()); n != 3 {
		t.Fatalf("store calls = %d, want 3", n)
	}
	if got := testutil.ToFloat64(m.PersistRetries.WithLabelValues("append")); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PersistOps.WithLabelValues("append", "ok")); got != 1 {
		t.Fatalf("ok ops = %v, want 1", got)
	}
	latest, _ := store.LatestPerMachine(context.Background())
	if len(latest) != 1 {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestRetriesExhaustedDropsWrite(t *testing.T) {
	store := newScriptedStore()
	store.failures = 100
	m := metrics.New(nil)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	g := New(store, cfg, zaptest.NewLogger(t), m, nil)

	if err := g.AppendRecord(context.Background(), rec("m1", time.Now())); err != nil {
		t.Fatal(err)
	}
	closeGateway(t, g)

	if n := len(store.callLog()); n != 3 {
		t.Fatalf("store calls = %d, want exactly MaxAttempts", n)
	}
	if got := testutil.ToFloat64(m.PersistDropped.WithLabelValues("append", "retries_exhausted")); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestTagUpdateWithoutRowIsNoop(t *testing.T) {
	store := newScriptedStore()
	m := metrics.New(nil)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	g := New(store, cfg, zaptest.NewLogger(t), m, nil)

	if err := g.UpdateLatestTag(context.Background(), "ghost", models.Offline, time.Now()); err != nil {
		t.Fatalf("update = %v, want nil", err)
	}
	closeGateway(t, g)

	if n := len(store.callLog()); n != 1 {
		t.Fatalf("store calls = %d, not-found must not be retried", n)
	}
	if got := testutil.ToFloat64(m.PersistOps.WithLabelValues("update_tag", "not_found")); got != 1 {
		t.Fatalf("not_found ops = %v", got)
	}
}

// holdWorker blocks the lane worker inside a first append so later ops stay
// queued.
func holdWorker(t *testing.T, g *Gateway, store *scriptedStore, id string) {
	t.Helper()
	if err := g.AppendRecord(context.Background(), rec(id, time.Now())); err != nil {
		t.Fatal(err)
	}
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the store")
	}
}

func TestTagUpdatesCoalesce(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	m := metrics.New(nil)
	g := New(store, testConfig(), zaptest.NewLogger(t), m, nil)
	ctx := context.Background()

	holdWorker(t, g, store, "m1")
	_ = g.UpdateLatestTag(ctx, "m1", models.Offline, time.Now())
	_ = g.UpdateLatestTag(ctx, "m1", models.Online, time.Now())
	if g.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after coalescing", g.Pending())
	}
	close(store.gate)
	closeGateway(t, g)

	want := "[append:1 tag:online]"
	if got := fmt.Sprint(store.callLog()); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	if got := testutil.ToFloat64(m.PersistCoalesce); got != 1 {
		t.Fatalf("coalesced = %v, want 1", got)
	}
}

func TestTagUpdateNeverPassesAppend(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	g := New(store, testConfig(), zaptest.NewLogger(t), nil, nil)
	ctx := context.Background()
	now := time.Now()

	holdWorker(t, g, store, "m1")
	_ = g.UpdateLatestTag(ctx, "m1", models.Online, now)
	_ = g.AppendRecord(ctx, rec("m1", now.Add(time.Second)))
	_ = g.UpdateLatestTag(ctx, "m1", models.Offline, now.Add(time.Second))
	if g.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", g.Pending())
	}
	close(store.gate)
	closeGateway(t, g)

	want := "[append:1 tag:online append:1 tag:offline]"
	if got := fmt.Sprint(store.callLog()); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	hist, _ := store.History(ctx, "m1", time.Time{}, 0)
	if len(hist) != 2 || hist[0].Status != models.Online || hist[1].Status != models.Offline {
		t.Fatalf("history = %+v", hist)
	}
}

func TestConsecutiveAppendsAreBatched(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	g := New(store, testConfig(), zaptest.NewLogger(t), nil, nil)
	ctx := context.Background()

	holdWorker(t, g, store, "m0")
	for i := 1; i <= 3; i++ {
		_ = g.AppendRecord(ctx, rec(fmt.Sprintf("m%d", i), time.Now()))
	}
	close(store.gate)
	closeGateway(t, g)

	want := "[append:1 append:3]"
	if got := fmt.Sprint(store.callLog()); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestFullLaneDropsWrites(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	m := metrics.New(nil)
	cfg := testConfig()
	cfg.QueueSize = 1
	g := New(store, cfg, zaptest.NewLogger(t), m, nil)
	ctx := context.Background()

	holdWorker(t, g, store, "m1")
	if err := g.AppendRecord(ctx, rec("m2", time.Now())); err != nil {
		t.Fatalf("second append: %v", err)
	}
	start := time.Now()
	if err := g.AppendRecord(ctx, rec("m3", time.Now())); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("append on full lane = %v, want ErrQueueFull", err)
	}
	if waited := time.Since(start); waited < cfg.EnqueueTimeout {
		t.Fatalf("append gave up after %v, before the enqueue timeout", waited)
	}
	if err := g.UpdateLatestTag(ctx, "m4", models.Offline, time.Now()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("tag on full lane = %v, want ErrQueueFull", err)
	}
	close(store.gate)
	closeGateway(t, g)

	if got := testutil.ToFloat64(m.PersistDropped.WithLabelValues("append", "queue_full")); got != 1 {
		t.Fatalf("dropped appends = %v", got)
	}
	if got := testutil.ToFloat64(m.PersistDropped.WithLabelValues("update_tag", "queue_full")); got != 1 {
		t.Fatalf("dropped tags = %v", got)
	}
}

func TestAppendWaitsForSpace(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 5 * time.Second
	g := New(store, cfg, zaptest.NewLogger(t), nil, nil)
	ctx := context.Background()

	holdWorker(t, g, store, "m1")
	_ = g.AppendRecord(ctx, rec("m2", time.Now()))

	errc := make(chan error, 1)
	go func() { errc <- g.AppendRecord(ctx, rec("m3", time.Now())) }()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	if err := <-errc; err != nil {
		t.Fatalf("blocked append = %v, want success once space frees", err)
	}
	closeGateway(t, g)
	latest, _ := store.LatestPerMachine(ctx)
	if len(latest) != 3 {
		t.Fatalf("machines stored = %d, want 3", len(latest))
	}
}

func TestDisabledGateway(t *testing.T) {
	g := New(nil, testConfig(), zaptest.NewLogger(t), nil, nil)
	ctx := context.Background()
	if g.Enabled() {
		t.Fatal("nil store reported enabled")
	}
	if err := g.AppendRecord(ctx, rec("m1", time.Now())); err != nil {
		t.Fatalf("append = %v", err)
	}
	if err := g.UpdateLatestTag(ctx, "m1", models.Offline, time.Now()); err != nil {
		t.Fatalf("update = %v", err)
	}
	if _, err := g.QueryHistory(ctx, "m1", time.Time{}, 0); !errors.Is(err, ErrDisabled) {
		t.Fatalf("history = %v, want ErrDisabled", err)
	}
	if _, err := g.QueryLatestPerMachine(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("latest = %v, want ErrDisabled", err)
	}
	closeGateway(t, g)
}

func TestCloseGivesUpWhenContextExpires(t *testing.T) {
	store := newScriptedStore()
	store.gate = make(chan struct{})
	g := New(store, testConfig(), zaptest.NewLogger(t), nil, nil)

	holdWorker(t, g, store, "m1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close = %v, want deadline exceeded", err)
	}
	if err := g.AppendRecord(context.Background(), rec("m1", time.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v, want ErrClosed", err)
	}
}
