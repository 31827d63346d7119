// Package cache is a durable TTL cache of upstream response bodies keyed by URL fingerprint.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("responses")

// headerLen is the big-endian unix-nano validUntil stored before each body.
const headerLen = 8

// Cache stores bodies with an expiry. bbolt gives per-key atomic writes and
// concurrent readers, so no extra lock is held here.
type Cache struct {
	db  *bbolt.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens or creates the cache file at path.
func Open(path string, log zerolog.Logger) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init %s: %w", path, err)
	}
	return &Cache{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
		now: time.Now,
	}, nil
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Fingerprint is the cache key of a URL: hex sha256.
func Fingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Read returns the body stored under key if present and not expired.
// Expired entries are reported as missing and left for Cleanup.
func (c *Cache) Read(key string) ([]byte, bool) {
	var body []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if len(v) < headerLen {
			return nil
		}
		if !c.now().Before(validUntil(v)) {
			return nil
		}
		// v is only valid inside the transaction.
		body = append([]byte(nil), v[headerLen:]...)
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache read failed")
		return nil, false
	}
	return body, body != nil
}

// Write stores body under key, replacing any previous entry.
func (c *Cache) Write(key string, body []byte, until time.Time) error {
	v := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint64(v, uint64(until.UnixNano()))
	copy(v[headerLen:], body)
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), v)
	})
	if err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	return nil
}

// Cleanup removes every entry whose validUntil has passed.
func (c *Cache) Cleanup() (removed int, freed int64, err error) {
	now := c.now()
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) >= headerLen && now.Before(validUntil(v)) {
				return nil
			}
			freed += int64(len(v))
			expired = append(expired, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("cache: cleanup: %w", err)
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Str("freed", humanize.Bytes(uint64(freed))).Msg("cache sweep")
	}
	return removed, freed, nil
}

// Stats reports the number of stored entries and their total size, expired included.
func (c *Cache) Stats() (entries int, size int64) {
	_ = c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			entries++
			size += int64(len(v))
			return nil
		})
	})
	return entries, size
}

func validUntil(v []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(v[:headerLen])))
}
