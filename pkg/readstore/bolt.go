package readstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntities   = []byte("entities")
	bucketBySession  = []byte("by_session")
	bucketByParent   = []byte("by_parent")
	bucketByOwner    = []byte("by_owner")
	bucketTombstones = []byte("tombstones")
)

// ReadStoreFile is the database file created inside the read store directory
const ReadStoreFile = "readstore.db"

const keySep = 0x00

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// BoltStore keeps projections in BoltDB with one index bucket per access
// layout. Index keys are "<layout key>\x00<entity id>" so a prefix seek
// lists one session, parent or owner.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the read store in dir
func NewBoltStore(dir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dir, ReadStoreFile), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open read store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntities, bucketBySession, bucketByParent, bucketByOwner, bucketTombstones} {
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

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntities) == nil {
			return fmt.Errorf("entities bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Upsert(ctx context.Context, entity *types.ProjectedEntity) error {
	if err := ctx.Err(); err != nil {
		return types.Transient("readstore.upsert", err)
	}
	if entity.EntityID == "" {
		return fmt.Errorf("projection has empty entity id")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		id := []byte(entity.EntityID)

		if tomb := tx.Bucket(bucketTombstones).Get(id); tomb != nil {
			if deleted := binary.BigEndian.Uint64(tomb); deleted >= entity.Version {
				return fmt.Errorf("%s deleted at version %d, write at %d: %w",
					entity.EntityID, deleted, entity.Version, types.ErrStaleWrite)
			}
		}

		current, err := getEntity(tx, id)
		if err != nil {
			return err
		}
		if current != nil {
			if current.Version > entity.Version {
				return fmt.Errorf("%s stored at version %d, write at %d: %w",
					entity.EntityID, current.Version, entity.Version, types.ErrStaleWrite)
			}
			if err := unindex(tx, current); err != nil {
				return err
			}
		}

		data, err := encMode.Marshal(entity)
		if err != nil {
			return fmt.Errorf("failed to encode projection: %w", err)
		}
		if err := tx.Bucket(bucketEntities).Put(id, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTombstones).Delete(id); err != nil {
			return err
		}
		return index(tx, entity)
	})
	return storeErr("readstore.upsert", err)
}

func (s *BoltStore) Delete(ctx context.Context, entityType types.EntityType, entityID string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return types.Transient("readstore.delete", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		id := []byte(entityID)

		current, err := getEntity(tx, id)
		if err != nil {
			return err
		}
		if current != nil {
			if current.Version > version {
				return fmt.Errorf("%s stored at version %d, delete at %d: %w",
					entityID, current.Version, version, types.ErrStaleWrite)
			}
			if err := unindex(tx, current); err != nil {
				return err
			}
			if err := tx.Bucket(bucketEntities).Delete(id); err != nil {
				return err
			}
		}

		tombstones := tx.Bucket(bucketTombstones)
		if tomb := tombstones.Get(id); tomb != nil && binary.BigEndian.Uint64(tomb) > version {
			return fmt.Errorf("%s deleted at version %d, delete at %d: %w",
				entityID, binary.BigEndian.Uint64(tomb), version, types.ErrStaleWrite)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, version)
		return tombstones.Put(id, buf)
	})
	return storeErr("readstore.delete", err)
}

func (s *BoltStore) Get(ctx context.Context, entityID string) (*types.ProjectedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Transient("readstore.get", err)
	}

	var entity *types.ProjectedEntity
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entity, err = getEntity(tx, []byte(entityID))
		return err
	})
	if err != nil {
		return nil, storeErr("readstore.get", err)
	}
	if entity == nil {
		return nil, fmt.Errorf("projection %s: %w", entityID, types.ErrNotFound)
	}
	return entity, nil
}

func (s *BoltStore) ListBySession(ctx context.Context, sessionID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, bucketBySession, sessionID)
}

func (s *BoltStore) ListByParent(ctx context.Context, parentID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, bucketByParent, parentID)
}

func (s *BoltStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, bucketByOwner, ownerID)
}

func (s *BoltStore) list(ctx context.Context, layout []byte, key string) ([]*types.ProjectedEntity, error) {
	if key == "" {
		return nil, fmt.Errorf("empty %s key", layout)
	}

	var entities []*types.ProjectedEntity
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append([]byte(key), keySep)
		c := tx.Bucket(layout).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return types.Transient("readstore.list", err)
			}
			entity, err := getEntity(tx, k[len(prefix):])
			if err != nil {
				return err
			}
			if entity != nil {
				entities = append(entities, entity)
			}
		}
		return nil
	})
	return entities, err
}

// storeErr marks storage failures transient; conditional-write rejections pass through
func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, types.ErrStaleWrite) || errors.Is(err, types.ErrTransient) {
		return err
	}
	return types.Transient(op, err)
}

func getEntity(tx *bolt.Tx, id []byte) (*types.ProjectedEntity, error) {
	data := tx.Bucket(bucketEntities).Get(id)
	if data == nil {
		return nil, nil
	}
	var entity types.ProjectedEntity
	if err := cbor.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode projection %s: %w", id, err)
	}
	return &entity, nil
}

func layoutKeys(entity *types.ProjectedEntity) map[string]string {
	return map[string]string{
		string(bucketBySession): entity.SessionID,
		string(bucketByParent):  entity.ParentID,
		string(bucketByOwner):   entity.OwnerID,
	}
}

func indexKey(key, id string) []byte {
	k := make([]byte, 0, len(key)+1+len(id))
	k = append(k, key...)
	k = append(k, keySep)
	return append(k, id...)
}

func index(tx *bolt.Tx, entity *types.ProjectedEntity) error {
	for layout, key := range layoutKeys(entity) {
		if key == "" {
			continue
		}
		if err := tx.Bucket([]byte(layout)).Put(indexKey(key, entity.EntityID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func unindex(tx *bolt.Tx, entity *types.ProjectedEntity) error {
	for layout, key := range layoutKeys(entity) {
		if key == "" {
			continue
		}
		if err := tx.Bucket([]byte(layout)).Delete(indexKey(key, entity.EntityID)); err != nil {
			return err
		}
	}
	return nil
}
