// Package query serves read-only views of the fleet.
package query

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/liveness"
	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// HistoryReader is the read side of the persistence gateway.
type HistoryReader interface {
	QueryHistory(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error)
}

type Config struct {
	HistoryWindow time.Duration
	HistoryLimit  int
	// OfflineThreshold, when set, makes views report an online machine that
	// has been silent longer than this as offline even if the sweeper has
	// not reached it yet.
	OfflineThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{HistoryWindow: time.Hour, HistoryLimit: 500}
}

type Facade struct {
	table   *liveness.Table
	history HistoryReader
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
}

func New(table *liveness.Table, history HistoryReader, cfg Config, log *zap.Logger, clk clock.Clock) *Facade {
	d := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = d.HistoryWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Facade{table: table, history: history, cfg: cfg, clock: clk, log: log.Named("query")}
}

func (f *Facade) effective(e models.LivenessEntry, now time.Time) models.LivenessEntry {
	if e.Status == models.Online && f.cfg.OfflineThreshold > 0 && now.Sub(e.LastObserved) > f.cfg.OfflineThreshold {
		e.Status = models.Offline
	}
	return e
}

// ListMachines returns every known machine, online machines first, then by
// hostname and identity.
func (f *Facade) ListMachines() []models.MachineSummary {
	now := f.clock.Now()
	entries := f.table.Snapshot()
	out := make([]models.MachineSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarize(f.effective(e, now), now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].Status == models.Online, out[j].Status == models.Online
		if oi != oj {
			return oi
		}
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out
}

func summarize(e models.LivenessEntry, now time.Time) models.MachineSummary {
	s := models.MachineSummary{
		MachineID: e.MachineID,
		Status:    e.Status,
		LastSeen:  e.LastObserved,
	}
	if !e.LastObserved.IsZero() {
		s.LastSeenAgo = max(now.Sub(e.LastObserved), 0)
	}
	if r := e.Report; r != nil {
		s.Hostname = r.Hostname
		s.IPAddress = r.IPAddress
		s.CPUPercent = r.CPU.UsagePercent
		s.MemoryPercent = r.Memory.UsagePercent
		s.StoragePercent = r.Storage.UsagePercent
	}
	return s
}

// GetMachine returns the machine's current entry with its recent history.
// The boolean is false for a machine that has never been seen. If history
// cannot be read the detail is returned without it and marked Degraded.
func (f *Facade) GetMachine(ctx context.Context, id string) (models.MachineDetail, bool) {
	e, ok := f.table.Get(id)
	if !ok {
		return models.MachineDetail{}, false
	}
	now := f.clock.Now()
	d := models.MachineDetail{
		Entry: f.effective(e, now),
		Since: now.Add(-f.cfg.HistoryWindow),
	}
	if f.history == nil {
		d.Degraded = true
		return d, true
	}
	hist, err := f.history.QueryHistory(ctx, id, d.Since, f.cfg.HistoryLimit)
	if err != nil {
		f.log.Warn("history unavailable", zap.String("machine_id", id), zap.Error(err))
		d.Degraded = true
		return d, true
	}
	d.History = hist
	return d, true
}
