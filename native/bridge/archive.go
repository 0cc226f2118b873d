package bridge

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConsumed = []byte("consumed")
	bucketMeta     = []byte("meta")
	keyLastNonce   = []byte("last_nonce")
	keyLastStamp   = []byte("last_timestamp")
)

// ReplayArchive persists consumed attestation ids and the nonce watermark so a
// restarted relay keeps its replay protection.
type ReplayArchive struct {
	db *bolt.DB
}

// OpenReplayArchive opens (creating if needed) the bolt database at path.
func OpenReplayArchive(path string) (*ReplayArchive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("bridge: archive path required")
	}
	db, err := bolt.Open(trimmed, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: open archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConsumed); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridge: init archive buckets: %w", err)
	}
	return &ReplayArchive{db: db}, nil
}

// Load returns every archived id plus the nonce and timestamp watermarks.
func (a *ReplayArchive) Load() ([]common.Hash, uint64, uint64, error) {
	var (
		ids   []common.Hash
		nonce uint64
		stamp uint64
	)
	err := a.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(bucketConsumed); bucket != nil {
			if err := bucket.ForEach(func(k, _ []byte) error {
				ids = append(ids, common.BytesToHash(k))
				return nil
			}); err != nil {
				return err
			}
		}
		if bucket := tx.Bucket(bucketMeta); bucket != nil {
			if raw := bucket.Get(keyLastNonce); len(raw) == 8 {
				nonce = binary.BigEndian.Uint64(raw)
			}
			if raw := bucket.Get(keyLastStamp); len(raw) == 8 {
				stamp = binary.BigEndian.Uint64(raw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return ids, nonce, stamp, nil
}

// Append records a newly consumed attestation atomically with the watermarks.
func (a *ReplayArchive) Append(id common.Hash, nonce, timestamp uint64) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		nonceBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(nonceBuf, nonce)
		if err := tx.Bucket(bucketConsumed).Put(id.Bytes(), nonceBuf); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyLastNonce, nonceBuf); err != nil {
			return err
		}
		stampBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(stampBuf, timestamp)
		return meta.Put(keyLastStamp, stampBuf)
	})
}

// Close releases the underlying database handle.
func (a *ReplayArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
