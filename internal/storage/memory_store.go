package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string][]models.StatusRecord
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]models.StatusRecord)}
}

func (s *MemoryStore) AppendRecords(ctx context.Context, recs []models.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		s.rows[r.MachineID] = append(s.rows[r.MachineID], r)
	}
	return nil
}

func (s *MemoryStore) UpdateLatestStatus(ctx context.Context, machineID string, status models.Liveness, lastObserved time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rows := s.rows[machineID]
	if len(rows) == 0 {
		return ErrNotFound
	}
	rows[len(rows)-1].Status = status
	rows[len(rows)-1].LastObserved = lastObserved
	return nil
}

func (s *MemoryStore) LatestPerMachine(ctx context.Context) ([]models.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.StatusRecord, 0, len(s.rows))
	for _, rows := range s.rows {
		if len(rows) > 0 {
			out = append(out, rows[len(rows)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []models.StatusRecord
	for _, r := range s.rows[machineID] {
		if r.EventTime.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
