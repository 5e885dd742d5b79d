package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitedriver "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// SQLStore keeps history in a single machine_statuses table. Rows are
// ordered per machine by their auto-increment seq, so the newest row is the
// one with the highest seq.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenPostgres connects through the pgx database/sql adapter and applies
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if err := runMigrations("pgx", dsn, dialectPostgres); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres)
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	if err := runMigrations("sqlite3", dsn, dialectSQLite); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newSQLStore(ctx, db, dialectSQLite)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// runMigrations applies the embedded migrations on a dedicated connection;
// the migrate driver owns and closes it.
func runMigrations(driverName, dsn, dialect string) error {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	var driver database.Driver
	switch dialect {
	case dialectPostgres:
		driver, err = postgresdriver.WithInstance(db, &postgresdriver.Config{})
	case dialectSQLite:
		driver, err = sqlitedriver.WithInstance(db, &sqlitedriver.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `record_id, machine_id, hostname, ip_address,
	cpu_model, cpu_cores, cpu_usage,
	memory_total, memory_available, memory_usage,
	storage_total, storage_free, storage_usage,
	reported_at, status, last_observed_at, event_time`

func (s *SQLStore) AppendRecords(ctx context.Context, recs []models.StatusRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO machine_statuses (`+recordColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		reported := sql.NullTime{Time: r.ReportedAt.UTC(), Valid: !r.ReportedAt.IsZero()}
		if _, err := stmt.ExecContext(ctx,
			id, r.MachineID, r.Hostname, r.IPAddress,
			r.CPU.Model, r.CPU.Cores, r.CPU.UsagePercent,
			int64(r.Memory.Total), int64(r.Memory.Available), r.Memory.UsagePercent,
			int64(r.Storage.Total), int64(r.Storage.Free), r.Storage.UsagePercent,
			reported, string(r.Status), r.LastObserved.UTC(), r.EventTime.UTC(),
		); err != nil {
			return fmt.Errorf("insert %s: %w", r.MachineID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateLatestStatus(ctx context.Context, machineID string, status models.Liveness, lastObserved time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE machine_statuses
		SET status = ?, last_observed_at = ?
		WHERE seq = (SELECT MAX(seq) FROM machine_statuses WHERE machine_id = ?)`),
		string(status), lastObserved.UTC(), machineID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) LatestPerMachine(ctx context.Context) ([]models.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM machine_statuses
		WHERE seq IN (SELECT MAX(seq) FROM machine_statuses GROUP BY machine_id)
		ORDER BY machine_id`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *SQLStore) History(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM machine_statuses
		WHERE machine_id = ? AND event_time >= ?
		ORDER BY event_time DESC, seq DESC`
	args := []any{machineID, since.UTC()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]models.StatusRecord, error) {
	defer rows.Close()
	var out []models.StatusRecord
	for rows.Next() {
		var (
			r                     models.StatusRecord
			status                string
			memTotal, memAvail    int64
			diskTotal, diskFree   int64
			reported              sql.NullTime
			lastObserved, evtTime time.Time
		)
		if err := rows.Scan(
			&r.ID, &r.MachineID, &r.Hostname, &r.IPAddress,
			&r.CPU.Model, &r.CPU.Cores, &r.CPU.UsagePercent,
			&memTotal, &memAvail, &r.Memory.UsagePercent,
			&diskTotal, &diskFree, &r.Storage.UsagePercent,
			&reported, &status, &lastObserved, &evtTime,
		); err != nil {
			return nil, err
		}
		r.Memory.Total, r.Memory.Available = uint64(memTotal), uint64(memAvail)
		r.Storage.Total, r.Storage.Free = uint64(diskTotal), uint64(diskFree)
		if reported.Valid {
			r.ReportedAt = reported.Time.UTC()
		}
		r.Status = models.Liveness(status)
		r.LastObserved = lastObserved.UTC()
		r.EventTime = evtTime.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
