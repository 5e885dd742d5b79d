package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the durable history of status records. History is append-only;
// UpdateLatestStatus is the only in-place mutation and touches the newest
// row of one machine.
type Store interface {
	AppendRecords(ctx context.Context, recs []models.StatusRecord) error
	// UpdateLatestStatus returns ErrNotFound when the machine has no rows.
	UpdateLatestStatus(ctx context.Context, machineID string, status models.Liveness, lastObserved time.Time) error
	LatestPerMachine(ctx context.Context) ([]models.StatusRecord, error)
	// History returns rows with EventTime >= since, oldest first. A positive
	// limit keeps the newest limit rows of that range.
	History(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverNone     = "none"
)

// Options selects and locates a backend.
type Options struct {
	Driver string
	// Path is the directory (badger) or file (sqlite) holding the data.
	Path string
	// DSN is the Postgres connection string.
	DSN string
}

// Open returns the configured store, or nil for DriverNone.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case DriverBadger:
		s, err = orNil(NewBadgerStore(opts.Path))
	case DriverPostgres:
		s, err = orNil(OpenPostgres(ctx, opts.DSN))
	case DriverSQLite:
		s, err = orNil(OpenSQLite(ctx, opts.Path))
	case DriverMemory:
		s = NewMemoryStore()
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}
	return s, nil
}

// orNil keeps a failed constructor from producing a non-nil interface
// around a nil pointer.
func orNil[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
