// Package ingest applies decoded transport messages to the liveness table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/decoder"
	"github.com/galavrah/machine-status-monitoring/internal/liveness"
	"github.com/galavrah/machine-status-monitoring/internal/metrics"
	"github.com/galavrah/machine-status-monitoring/internal/models"
	"github.com/galavrah/machine-status-monitoring/internal/persist"
)

var ErrClosed = errors.New("coordinator closed")

var tracer = otel.Tracer("github.com/galavrah/machine-status-monitoring/internal/ingest")

// Persister is the write side of the persistence gateway.
type Persister interface {
	AppendRecord(ctx context.Context, rec models.StatusRecord) error
	UpdateLatestTag(ctx context.Context, machineID string, status models.Liveness, observedAt time.Time) error
	QueryLatestPerMachine(ctx context.Context) ([]models.StatusRecord, error)
}

type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

// Coordinator owns all ingestion-side mutation of the table. Submit is safe
// to call from any number of transport goroutines; events for one machine
// are always handled by the same worker, in submission order.
type Coordinator struct {
	table   *liveness.Table
	persist Persister
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	cfg     Config

	mu      sync.RWMutex
	queues  []chan decoder.Event
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(table *liveness.Table, p Persister, cfg Config, log *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Coordinator {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{
		table:   table,
		persist: p,
		log:     log.Named("ingest"),
		metrics: m,
		clock:   clk,
		cfg:     cfg,
		queues:  make([]chan decoder.Event, cfg.Workers),
	}
	for i := range c.queues {
		c.queues[i] = make(chan decoder.Event, cfg.QueueSize)
	}
	return c
}

// Start launches the workers. Events are applied with ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	for _, q := range c.queues {
		c.wg.Add(1)
		go c.work(ctx, q)
	}
}

// Close stops accepting events and waits for the workers to finish what is
// already queued.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Submit decodes one transport message and hands it to the worker that owns
// its machine. Malformed messages are logged, counted and returned as an
// error; they never reach the table.
func (c *Coordinator) Submit(ctx context.Context, topic string, payload []byte) error {
	ev, err := decoder.Decode(payload, topic)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.log.Warn("dropping malformed message", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return c.enqueue(ctx, ev)
}

func (c *Coordinator) enqueue(ctx context.Context, ev decoder.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || !c.started {
		return ErrClosed
	}
	q := c.queues[xxhash.Sum64String(ev.Identity())%uint64(len(c.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) work(ctx context.Context, q <-chan decoder.Event) {
	defer c.wg.Done()
	for ev := range q {
		c.handle(ctx, ev)
	}
}

// handle applies ev, turning a panic into a log line so the worker keeps
// serving its other machines.
func (c *Coordinator) handle(ctx context.Context, ev decoder.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerPanics.Inc()
			c.log.Error("panic while applying event",
				zap.String("machine_id", ev.Identity()),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	if _, err := c.Apply(ctx, ev); err != nil {
		c.log.Warn("event not applied", zap.String("machine_id", ev.Identity()), zap.Error(err))
	}
}

// Apply updates the table for one event and queues the matching store write.
// It returns the entry as it stands after the event.
func (c *Coordinator) Apply(ctx context.Context, ev decoder.Event) (models.LivenessEntry, error) {
	ctx, span := tracer.Start(ctx, "ingest.apply")
	span.SetAttributes(attribute.String("machine_id", ev.Identity()))
	defer span.End()

	switch e := ev.(type) {
	case decoder.FullReport:
		c.metrics.EventsIngested.WithLabelValues("report").Inc()
		return c.applyReport(ctx, e.Report), nil
	case decoder.StatusAnnouncement:
		c.metrics.EventsIngested.WithLabelValues("announcement").Inc()
		return c.applyAnnouncement(ctx, e.Announcement), nil
	default:
		return models.LivenessEntry{}, fmt.Errorf("unsupported event %T", ev)
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func (c *Coordinator) applyReport(ctx context.Context, r *models.StatusReport) models.LivenessEntry {
	now := c.clock.Now()
	var was models.Liveness
	entry, _ := c.table.Upsert(r.MachineID, func(prev *models.LivenessEntry) (models.LivenessEntry, bool) {
		next := models.LivenessEntry{Report: r, Status: models.Online, LastObserved: now, UpdatedAt: now}
		if prev != nil {
			was = prev.Status
			next.LastObserved = laterOf(prev.LastObserved, now)
		}
		return next, true
	})
	c.noteTransition(entry, was, "report")

	rec := models.NewStatusRecord(uuid.NewString(), r, models.Online, entry.LastObserved, now)
	if err := c.persist.AppendRecord(ctx, rec); err != nil {
		c.log.Debug("history row not queued", zap.String("machine_id", r.MachineID), zap.Error(err))
	}
	return entry
}

func (c *Coordinator) applyAnnouncement(ctx context.Context, a models.Announcement) models.LivenessEntry {
	now := c.clock.Now()
	var was models.Liveness
	entry, _ := c.table.Upsert(a.MachineID, func(prev *models.LivenessEntry) (models.LivenessEntry, bool) {
		var next models.LivenessEntry
		if prev != nil {
			was = prev.Status
			next = *prev
		}
		next.Status = a.Status
		next.UpdatedAt = now
		if a.Status == models.Online {
			next.LastObserved = laterOf(next.LastObserved, now)
		}
		// Queued under the entry lock, like the sweeper's, so the tag lands
		// on the row that was newest when the status changed.
		if err := c.persist.UpdateLatestTag(ctx, a.MachineID, next.Status, next.LastObserved); err != nil {
			c.log.Debug("status update not queued", zap.String("machine_id", a.MachineID), zap.Error(err))
		}
		return next, true
	})
	c.noteTransition(entry, was, "announcement")
	return entry
}

func (c *Coordinator) noteTransition(e models.LivenessEntry, was models.Liveness, cause string) {
	if e.Status == was {
		return
	}
	c.metrics.Transitions.WithLabelValues(string(e.Status), cause).Inc()
	fields := []zap.Field{
		zap.String("machine_id", e.MachineID),
		zap.String("hostname", e.Hostname()),
		zap.String("cause", cause),
	}
	if was == "" {
		c.log.Info("machine registered", append(fields, zap.String("status", string(e.Status)))...)
		return
	}
	c.log.Info("machine "+string(e.Status), append(fields, zap.String("was", string(was)))...)
}

// Restore seeds the table from the newest stored row of every machine so the
// roster survives a restart. Machines already in the table are left alone.
// Restored online machines keep their stored last-observed time and are aged
// out by the sweeper like any other.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	rows, err := c.persist.QueryLatestPerMachine(ctx)
	if errors.Is(err, persist.ErrDisabled) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load roster: %w", err)
	}
	n := 0
	for _, row := range rows {
		status := row.Status
		if !status.Valid() {
			status = models.Unknown
		}
		_, ok := c.table.Upsert(row.MachineID, func(prev *models.LivenessEntry) (models.LivenessEntry, bool) {
			if prev != nil {
				return *prev, false
			}
			return models.LivenessEntry{
				Report:       row.Report(),
				Status:       status,
				LastObserved: row.LastObserved,
				UpdatedAt:    row.EventTime,
			}, true
		})
		if ok {
			n++
		}
	}
	c.log.Info("roster restored", zap.Int("machines", n))
	return n, nil
}
