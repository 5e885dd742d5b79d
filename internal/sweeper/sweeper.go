// Package sweeper marks machines offline once they have been silent for
// longer than the offline threshold.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/liveness"
	"github.com/galavrah/machine-status-monitoring/internal/metrics"
	"github.com/galavrah/machine-status-monitoring/internal/models"
)

const (
	DefaultThreshold = 60 * time.Second
	DefaultInterval  = 5 * time.Second
)

var ErrInterval = errors.New("sweep interval must be positive and shorter than the offline threshold")

var tracer = otel.Tracer("github.com/galavrah/machine-status-monitoring/internal/sweeper")

// TagUpdater records a status change against a machine's newest history row.
type TagUpdater interface {
	UpdateLatestTag(ctx context.Context, machineID string, status models.Liveness, observedAt time.Time) error
}

type Config struct {
	Threshold time.Duration
	Interval  time.Duration
}

func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Interval <= 0 || c.Interval >= c.Threshold {
		return ErrInterval
	}
	return nil
}

type Sweeper struct {
	table   *liveness.Table
	persist TagUpdater
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(table *liveness.Table, p TagUpdater, cfg Config, log *zap.Logger, m *metrics.Metrics, clk clock.Clock) (*Sweeper, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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
	return &Sweeper{
		table:   table,
		persist: p,
		cfg:     cfg,
		log:     log.Named("sweeper"),
		metrics: m,
		clock:   clk,
	}, nil
}

// Sweep makes one pass over the roster and returns how many machines it
// moved to offline. Each machine is checked, transitioned and has its tag
// update queued under its own lock, so a report racing with the sweep either
// lands first and keeps the machine online or lands after and brings it back,
// and its history row is queued behind the offline tag either way.
//
// Tag updates are queued even when ctx is already done: the in-memory
// transition has happened and the store must follow it.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "sweeper.sweep")
	defer span.End()
	started := time.Now()

	now := s.clock.Now()
	tagCtx := context.WithoutCancel(ctx)
	changed := s.table.ForEachMutable(func(cur models.LivenessEntry) (models.LivenessEntry, bool) {
		if cur.Status != models.Online || now.Sub(cur.LastObserved) <= s.cfg.Threshold {
			return cur, false
		}
		cur.Status = models.Offline
		cur.UpdatedAt = now
		// UpdateLatestTag never waits for queue space, so holding the
		// entry lock here is safe.
		if err := s.persist.UpdateLatestTag(tagCtx, cur.MachineID, models.Offline, cur.LastObserved); err != nil {
			s.log.Warn("offline status not queued for the store",
				zap.String("machine_id", cur.MachineID), zap.Error(err))
		}
		return cur, true
	})

	for _, e := range changed {
		s.metrics.Transitions.WithLabelValues(string(models.Offline), "timeout").Inc()
		s.log.Warn("machine offline",
			zap.String("machine_id", e.MachineID),
			zap.String("hostname", e.Hostname()),
			zap.Duration("silent_for", now.Sub(e.LastObserved)),
			zap.Duration("threshold", s.cfg.Threshold))
	}

	s.recordRoster()
	s.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("transitions", len(changed)))
	return len(changed)
}

func (s *Sweeper) recordRoster() {
	counts := map[models.Liveness]int{models.Online: 0, models.Offline: 0, models.Unknown: 0}
	for _, e := range s.table.Snapshot() {
		counts[e.Status]++
	}
	for status, n := range counts {
		s.metrics.Machines.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Start runs Sweep every interval until Stop is called or ctx ends. Calling
// Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	ticker := s.clock.NewTicker(s.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.log.Info("sweeper started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Duration("threshold", s.cfg.Threshold))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the periodic sweep and waits for an in-progress pass to return.
// The sweeper can be started again afterwards.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("sweeper stopped")
}

// Threshold returns the configured silence window.
func (s *Sweeper) Threshold() time.Duration { return s.cfg.Threshold }
