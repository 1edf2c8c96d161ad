package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRecords     = []byte("sync_records")
	bucketDeadLetters = []byte("dead_letters")
	bucketCursors     = []byte("cursors")
)

// LedgerFile is the database file created inside the data directory
const LedgerFile = "ledger.db"

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// BoltStore implements Store using BoltDB with CBOR-encoded values
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed ledger store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, LedgerFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketDeadLetters, bucketCursors} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is open and readable
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecords) == nil {
			return fmt.Errorf("ledger bucket missing")
		}
		return nil
	})
}

// Sync record operations

func (s *BoltStore) Get(ctx context.Context, entityID string) (*types.SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *types.SyncRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(entityID))
		if data == nil {
			return fmt.Errorf("sync record %s: %w", entityID, types.ErrNotFound)
		}
		var err error
		record, err = decodeRecord(data)
		return err
	})
	return record, err
}

func (s *BoltStore) CompareAndSet(ctx context.Context, expectedRevision uint64, record *types.SyncRecord) (*types.SyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if record.EntityID == "" {
		return nil, fmt.Errorf("sync record has empty entity id")
	}

	stored := record.Clone()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		key := []byte(record.EntityID)

		current := uint64(0)
		if data := b.Get(key); data != nil {
			existing, err := decodeRecord(data)
			if err != nil {
				return err
			}
			current = existing.Revision
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = existing.CreatedAt
			}
		}
		if current != expectedRevision {
			return fmt.Errorf("sync record %s at revision %d, expected %d: %w",
				record.EntityID, current, expectedRevision, types.ErrCASConflict)
		}

		now := s.now()
		stored.Revision = current + 1
		stored.UpdatedAt = now
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.DualWriteStatus == "" {
			stored.DualWriteStatus = types.DualWriteNone
		}

		data, err := encMode.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode sync record: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *BoltStore) Scan(ctx context.Context, filter RecordFilter, limit int) ([]*types.SyncRecord, error) {
	var records []*types.SyncRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if filter != nil && !filter(record) {
				continue
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) Delete(ctx context.Context, entityID string, expectedRevision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get([]byte(entityID))
		if data == nil {
			return fmt.Errorf("sync record %s: %w", entityID, types.ErrNotFound)
		}
		existing, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if existing.Revision != expectedRevision {
			return fmt.Errorf("sync record %s at revision %d, expected %d: %w",
				entityID, existing.Revision, expectedRevision, types.ErrCASConflict)
		}
		return b.Delete([]byte(entityID))
	})
}

func (s *BoltStore) Stats(ctx context.Context) (types.LedgerStats, error) {
	stats := types.LedgerStats{ByStatus: make(map[types.DualWriteStatus]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := decodeRecord(v)
			if err != nil {
				return err
			}
			stats.Total++
			stats.ByStatus[record.DualWriteStatus]++
			if record.RepairRequested {
				stats.RepairRequested++
			}
			if record.Tombstoned {
				stats.Tombstoned++
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats.DeadLetters = tx.Bucket(bucketDeadLetters).Stats().KeyN
		return nil
	})
	return stats, err
}

// Dead letter operations

func (s *BoltStore) PutDeadLetter(ctx context.Context, dl *types.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl.ID == "" {
		return fmt.Errorf("dead letter has empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encMode.Marshal(dl)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		return tx.Bucket(bucketDeadLetters).Put([]byte(dl.ID), data)
	})
}

func (s *BoltStore) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var dl types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeadLetters).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dead letter %s: %w", id, types.ErrNotFound)
		}
		return cbor.Unmarshal(data, &dl)
	})
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters oldest first
func (s *BoltStore) ListDeadLetters(ctx context.Context, limit int) ([]*types.DeadLetter, error) {
	var letters []*types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var dl types.DeadLetter
			if err := cbor.Unmarshal(v, &dl); err != nil {
				return err
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(letters, func(i, j int) bool {
		return letters[i].FailedAt.Before(letters[j].FailedAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *BoltStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("dead letter %s: %w", id, types.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// Cursor operations

func (s *BoltStore) LoadCursor(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCursors).Get([]byte(name))
		if len(data) == 8 {
			seq = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return seq, err
}

func (s *BoltStore) StoreCursor(ctx context.Context, name string, sequence uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, sequence)
		return tx.Bucket(bucketCursors).Put([]byte(name), buf)
	})
}

func decodeRecord(data []byte) (*types.SyncRecord, error) {
	var record types.SyncRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode sync record: %w", err)
	}
	return &record, nil
}
