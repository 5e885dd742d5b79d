// Package persist moves liveness-table changes into the store off the
// ingestion path.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/metrics"
	"github.com/galavrah/machine-status-monitoring/internal/models"
	"github.com/galavrah/machine-status-monitoring/internal/storage"
)

var (
	ErrDisabled  = errors.New("persistence disabled")
	ErrQueueFull = errors.New("persistence queue full")
	ErrClosed    = errors.New("persistence gateway closed")
)

var tracer = otel.Tracer("github.com/galavrah/machine-status-monitoring/internal/persist")

type Config struct {
	Lanes          int
	QueueSize      int
	BatchSize      int
	EnqueueTimeout time.Duration
	QueryTimeout   time.Duration
	Retry          RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Lanes:          4,
		QueueSize:      1024,
		BatchSize:      64,
		EnqueueTimeout: 100 * time.Millisecond,
		QueryTimeout:   3 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lanes <= 0 {
		c.Lanes = d.Lanes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = d.Retry.AttemptTimeout
	}
	return c
}

// Gateway queues writes per machine and applies them to the store from a
// fixed set of lane workers. A nil store puts it in disabled mode: writes are
// accepted and discarded, reads fail with ErrDisabled.
type Gateway struct {
	store   storage.Store
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	lanes  []*lane
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store storage.Store, cfg Config, log *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if clk == nil {
		clk = clock.Real()
	}
	g := &Gateway{
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log.Named("persist"),
		metrics: m,
		clock:   clk,
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	if store == nil {
		g.log.Warn("store disabled, history will not be recorded")
		return g
	}
	g.lanes = make([]*lane, g.cfg.Lanes)
	for i := range g.lanes {
		g.lanes[i] = newLane(g.cfg.QueueSize)
		g.wg.Add(1)
		go g.runLane(g.lanes[i])
	}
	return g
}

// Enabled reports whether a store is attached.
func (g *Gateway) Enabled() bool { return g.store != nil }

func (g *Gateway) laneFor(id string) *lane {
	return g.lanes[xxhash.Sum64String(id)%uint64(len(g.lanes))]
}

// AppendRecord queues a new history row. When the machine's lane is full it
// waits up to EnqueueTimeout for space, then drops the row.
func (g *Gateway) AppendRecord(ctx context.Context, rec models.StatusRecord) error {
	if g.store == nil {
		return nil
	}
	l := g.laneFor(rec.MachineID)
	o := op{kind: opAppend, machineID: rec.MachineID, rec: rec}

	var deadline <-chan time.Time
	for {
		ok, wait, closed := l.tryPush(o)
		if closed {
			return ErrClosed
		}
		if ok {
			g.metrics.PersistQueue.Inc()
			return nil
		}
		if deadline == nil {
			deadline = g.clock.After(g.cfg.EnqueueTimeout)
		}
		select {
		case <-wait:
		case <-deadline:
			g.drop(o, "queue_full")
			return ErrQueueFull
		case <-ctx.Done():
			g.drop(o, "cancelled")
			return ctx.Err()
		}
	}
}

// UpdateLatestTag queues a status change for the machine's newest row. It
// supersedes a still-pending update for the same machine rather than
// queueing a second one, and is dropped if neither is possible.
func (g *Gateway) UpdateLatestTag(ctx context.Context, machineID string, status models.Liveness, observedAt time.Time) error {
	if g.store == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l := g.laneFor(machineID)
	o := op{kind: opTag, machineID: machineID, status: status, observedAt: observedAt}

	coalesced, closed := l.coalesceTag(o)
	if closed {
		return ErrClosed
	}
	if coalesced {
		g.metrics.PersistCoalesce.Inc()
		return nil
	}
	ok, _, closed := l.tryPush(o)
	if closed {
		return ErrClosed
	}
	if !ok {
		g.drop(o, "queue_full")
		return ErrQueueFull
	}
	g.metrics.PersistQueue.Inc()
	return nil
}

func (g *Gateway) drop(o op, reason string) {
	g.metrics.PersistDropped.WithLabelValues(o.kind.String(), reason).Inc()
	g.log.Warn("dropping store write",
		zap.String("op", o.kind.String()),
		zap.String("machine_id", o.machineID),
		zap.String("reason", reason))
}

// QueryLatestPerMachine returns the newest row of every machine.
func (g *Gateway) QueryLatestPerMachine(ctx context.Context) ([]models.StatusRecord, error) {
	if g.store == nil {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	defer cancel()
	return g.store.LatestPerMachine(ctx)
}

// QueryHistory returns the machine's newest rows since the given time, at
// most limit of them, oldest first.
func (g *Gateway) QueryHistory(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error) {
	if g.store == nil {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	defer cancel()
	return g.store.History(ctx, machineID, since, limit)
}

// Ping checks the store is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.store == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	defer cancel()
	return g.store.Ping(ctx)
}

// Pending returns the number of queued writes.
func (g *Gateway) Pending() int {
	n := 0
	for _, l := range g.lanes {
		n += l.depth()
	}
	return n
}

// Close stops accepting writes and waits for the lanes to drain. If ctx
// expires first, in-flight retries are abandoned and the remaining writes are
// dropped. It does not close the store.
func (g *Gateway) Close(ctx context.Context) error {
	for _, l := range g.lanes {
		l.close()
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return fmt.Errorf("drain persistence lanes: %w", ctx.Err())
	}
}

func (g *Gateway) runLane(l *lane) {
	defer g.wg.Done()
	for {
		batch, ok := l.take(g.cfg.BatchSize)
		if !ok {
			return
		}
		g.metrics.PersistQueue.Sub(float64(len(batch)))
		g.apply(batch)
	}
}

// apply writes a batch in order, folding runs of appends into one call.
func (g *Gateway) apply(batch []op) {
	var run []models.StatusRecord
	flush := func() {
		if len(run) == 0 {
			return
		}
		recs := run
		run = nil
		err := g.do("append", len(recs), func(ctx context.Context) error {
			return g.store.AppendRecords(ctx, recs)
		})
		if err != nil {
			g.metrics.PersistDropped.WithLabelValues("append", "retries_exhausted").Add(float64(len(recs)))
			g.log.Error("history rows lost after retries",
				zap.Int("rows", len(recs)),
				zap.String("first_machine_id", recs[0].MachineID),
				zap.Error(err))
		}
	}

	for _, o := range batch {
		if o.kind == opAppend {
			run = append(run, o.rec)
			continue
		}
		flush()
		g.applyTag(o)
	}
	flush()
}

func (g *Gateway) applyTag(o op) {
	err := g.do("update_tag", 1, func(ctx context.Context) error {
		return g.store.UpdateLatestStatus(ctx, o.machineID, o.status, o.observedAt)
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		g.log.Warn("no history row to update",
			zap.String("machine_id", o.machineID),
			zap.String("status", string(o.status)))
	default:
		g.metrics.PersistDropped.WithLabelValues("update_tag", "retries_exhausted").Inc()
		g.log.Error("status update lost after retries",
			zap.String("machine_id", o.machineID),
			zap.String("status", string(o.status)),
			zap.Error(err))
	}
}

// do runs fn under the retry policy. ErrNotFound is returned at once.
func (g *Gateway) do(name string, rows int, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(g.ctx, "store."+name)
	span.SetAttributes(attribute.Int("rows", rows))
	defer span.End()

	p := g.cfg.Retry
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			g.metrics.PersistRetries.WithLabelValues(name).Inc()
			select {
			case <-g.clock.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				span.SetStatus(codes.Error, "cancelled")
				return errors.Join(err, ctx.Err())
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			g.metrics.PersistOps.WithLabelValues(name, "ok").Inc()
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			g.metrics.PersistOps.WithLabelValues(name, "not_found").Inc()
			return err
		}
		g.log.Debug("store call failed",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	g.metrics.PersistOps.WithLabelValues(name, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "retries exhausted")
	return err
}
