package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/decoder"
	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// DefaultInterval is how often a report is published.
const DefaultInterval = 60 * time.Second

// Publisher sends one JSON message. natsclient.Publisher implements it.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// Sampler produces the current report for a machine.
type Sampler interface {
	Sample(id string) (models.StatusReport, error)
}

type Config struct {
	MachineID string
	Interval  time.Duration
	// ShutdownTimeout bounds the offline announcement sent on exit.
	ShutdownTimeout time.Duration
}

// Agent publishes a report every Interval, announcing itself online when it
// starts and offline when it stops.
type Agent struct {
	cfg     Config
	pub     Publisher
	sampler Sampler
	log     *zap.Logger
	clock   clock.Clock

	reportTopic string
	statusTopic string
}

func New(pub Publisher, sampler Sampler, cfg Config, log *zap.Logger, clk clock.Clock) (*Agent, error) {
	if cfg.MachineID == "" {
		return nil, fmt.Errorf("agent: empty machine id")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	token := decoder.SubjectToken(cfg.MachineID)
	return &Agent{
		cfg:         cfg,
		pub:         pub,
		sampler:     sampler,
		log:         log.Named("agent").With(zap.String("machine_id", cfg.MachineID)),
		clock:       clk,
		reportTopic: decoder.ReportTopic(token),
		statusTopic: decoder.AnnouncementTopic(token),
	}, nil
}

// Run publishes until ctx is cancelled. Publish failures are logged and the
// next tick tries again.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started", zap.Duration("interval", a.cfg.Interval), zap.String("topic", a.reportTopic))
	if err := a.announce(ctx, models.Online); err != nil {
		a.log.Warn("online announcement failed", zap.Error(err))
	}
	a.publishReport(ctx)

	t := a.clock.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
			defer cancel()
			if err := a.announce(sctx, models.Offline); err != nil {
				a.log.Warn("offline announcement failed", zap.Error(err))
			}
			a.log.Info("agent stopped")
			return nil
		case <-t.C:
			a.publishReport(ctx)
		}
	}
}

func (a *Agent) publishReport(ctx context.Context) {
	rep, err := a.sampler.Sample(a.cfg.MachineID)
	if err != nil {
		a.log.Error("sample failed", zap.Error(err))
		return
	}
	rep.Timestamp = a.clock.Now().UTC()
	if err := a.pub.PublishJSON(ctx, a.reportTopic, rep); err != nil {
		a.log.Warn("publish report failed", zap.Error(err))
		return
	}
	a.log.Debug("report published",
		zap.Float64("cpu", rep.CPU.UsagePercent),
		zap.Float64("memory", rep.Memory.UsagePercent),
		zap.Float64("storage", rep.Storage.UsagePercent))
}

func (a *Agent) announce(ctx context.Context, status models.Liveness) error {
	return a.pub.PublishJSON(ctx, a.statusTopic, models.Announcement{
		MachineID: a.cfg.MachineID,
		Status:    status,
		Timestamp: a.clock.Now().UTC(),
	})
}
