package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	bucketLeases  = []byte("leases")
	bucketToggles = []byte("toggles")
)

// BoltStore implements Store on a single-file BoltDB database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) burrow.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLeases, bucketToggles} {
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) AppendLease(rec *types.LeaseRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.LeaseID), data)
	})
}

func (s *BoltStore) FinalizeLease(leaseID string, releasedAt time.Time, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(leaseID))
		if data == nil {
			// The record may predate this store file; nothing to stamp.
			return nil
		}
		var rec types.LeaseRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.ReleasedAt = releasedAt
		rec.Duration = releasedAt.Sub(rec.AllocatedAt)
		rec.ReleaseReason = reason

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(leaseID), updated)
	})
}

func (s *BoltStore) ListLeases(limit int) ([]*types.LeaseRecord, error) {
	var recs []*types.LeaseRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var rec types.LeaseRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Keys are lease ids, not time-ordered.
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].AllocatedAt.After(recs[j].AllocatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *BoltStore) AppendToggle(rec *types.ToggleRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketToggles)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		// Nanosecond keys keep the bucket chronologically ordered.
		key := fmt.Sprintf("%020d", rec.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListToggles(limit int) ([]*types.ToggleRecord, error) {
	var recs []*types.ToggleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketToggles).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec types.ToggleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			if limit > 0 && len(recs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
