package offset

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "offsets"
	valueSize  = 16 // offset + size, big endian
)

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB offset store
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	// Try to open with short timeout
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A lock held by a previous instance is not released automatically
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB offset store initialized")

	return &BoltDBStore{db: db}, nil
}

// Load returns all stored offsets
func (s *BoltDBStore) Load(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			if len(v) < 8 {
				log.Warn().Str("file", string(k)).Msg("Skipping invalid offset value")
				return nil
			}
			result[string(k)] = int64(binary.BigEndian.Uint64(v[:8]))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load offsets: %w", err)
	}

	return result, nil
}

// Save replaces the bucket contents with records in one transaction
func (s *BoltDBStore) Save(ctx context.Context, records []Record) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) != nil {
			if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}

		for _, r := range records {
			val := make([]byte, valueSize)
			binary.BigEndian.PutUint64(val[:8], uint64(r.Offset))
			binary.BigEndian.PutUint64(val[8:], uint64(r.Size))
			if err := b.Put([]byte(r.Path), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save offsets: %w", err)
	}

	log.Debug().
		Int("files", len(records)).
		Msg("Offsets saved")

	return nil
}

// Records returns the stored records in path order, including sizes
func (s *BoltDBStore) Records(ctx context.Context) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) < valueSize {
				return nil
			}
			records = append(records, Record{
				Path:   string(k),
				Offset: int64(binary.BigEndian.Uint64(v[:8])),
				Size:   int64(binary.BigEndian.Uint64(v[8:])),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}

	return records, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB offset store")
	return s.db.Close()
}
