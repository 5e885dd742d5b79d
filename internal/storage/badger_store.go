package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// BadgerStore keeps history rows under
//
//	h\x00<machine>\x00<event time, 8 bytes BE><sequence, 8 bytes BE>
//
// so one machine's history is a contiguous, time-ordered key range, and a
// pointer l\x00<machine> naming the newest row.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	return openBadger(opts)
}

// NewInMemoryBadgerStore is a BadgerStore that never touches disk.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:history"), 256)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

func historyPrefix(id string) []byte {
	k := make([]byte, 0, len(id)+3)
	k = append(k, 'h', 0)
	k = append(k, id...)
	return append(k, 0)
}

func historyKey(id string, at time.Time, seq uint64) []byte {
	k := historyPrefix(id)
	k = binary.BigEndian.AppendUint64(k, timeKey(at))
	return binary.BigEndian.AppendUint64(k, seq)
}

func timeKey(t time.Time) uint64 {
	if n := t.UnixNano(); n > 0 {
		return uint64(n)
	}
	return 0
}

func latestKey(id string) []byte {
	return append([]byte{'l', 0}, id...)
}

func (s *BadgerStore) AppendRecords(ctx context.Context, recs []models.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			n, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := historyKey(rec.MachineID, rec.EventTime, n)
			if err := txn.Set(key, data); err != nil {
				return err
			}
			if err := txn.Set(latestKey(rec.MachineID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) UpdateLatestStatus(ctx context.Context, machineID string, status models.Liveness, lastObserved time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ptr, err := txn.Get(latestKey(machineID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := ptr.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := getRecord(txn, key)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.LastObserved = lastObserved
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) LatestPerMachine(ctx context.Context) ([]models.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.StatusRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{'l', 0}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := getRecord(txn, key)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) History(ctx context.Context, machineID string, since time.Time, limit int) ([]models.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := historyPrefix(machineID)
	floor := timeKey(since)
	// Past the last possible key of this machine.
	end := append(bytes.Clone(prefix), bytes.Repeat([]byte{0xff}, 17)...)

	var out []models.StatusRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(end); it.Valid(); it.Next() {
			key := it.Item().Key()
			if binary.BigEndian.Uint64(key[len(prefix):]) < floor {
				return nil
			}
			var rec models.StatusRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	slices.Reverse(out)
	return out, err
}

func getRecord(txn *badger.Txn, key []byte) (models.StatusRecord, error) {
	var rec models.StatusRecord
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}
