package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltDirPerm     = fs.FileMode(0o700)
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second

	// sweepInterval controls how often dead records are physically
	// removed. Reads never return them regardless.
	sweepInterval = time.Minute
)

var cacheBucket = []byte("cache")

// boltRecord is the stored envelope: the value plus its expiry instant,
// since bbolt has no native TTLs.
type boltRecord struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nanos, 0 = no expiry
}

func (rec boltRecord) expired(now time.Time) bool {
	return rec.ExpiresAt != 0 && now.UnixNano() > rec.ExpiresAt
}

func (rec boltRecord) withExpiry(ttl time.Duration) boltRecord {
	if ttl <= 0 {
		rec.ExpiresAt = 0
	} else {
		rec.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	return rec
}

// Bolt is a single-file Store for deployments that want records to
// survive a restart without running Redis.
type Bolt struct {
	db       *bolt.DB
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBolt opens (or creates) the database at path and starts the sweep
// loop. Call Close to stop the sweeper and release the file lock.
func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}

	b := &Bolt{db: db, stop: make(chan struct{})}
	go b.sweepLoop()
	return b, nil
}

// Close stops the sweeper and closes the database.
func (b *Bolt) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return b.db.Close()
}

func (b *Bolt) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stop:
			return
		}
	}
}

func (b *Bolt) sweep() {
	now := time.Now()
	_ = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(cacheBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// read returns the live record at key within an open transaction, or
// ErrNotFound for an absent, expired, or undecodable entry.
func read(bkt *bolt.Bucket, key string) (boltRecord, error) {
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return boltRecord{}, ErrNotFound
	}
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return boltRecord{}, ErrNotFound
	}
	if rec.expired(time.Now()) {
		return boltRecord{}, ErrNotFound
	}
	return rec, nil
}

func write(bkt *bolt.Bucket, key string, rec boltRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return bkt.Put([]byte(key), raw)
}

// Put implements Store.
func (b *Bolt) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return write(tx.Bucket(cacheBucket), key, boltRecord{Value: value}.withExpiry(ttl))
	})
}

// PutIfAbsent implements Store. The read and the write share one bbolt
// write transaction, so the reservation is atomic within this file.
func (b *Bolt) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var reserved bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(cacheBucket)
		if _, err := read(bkt, key); err == nil {
			return nil
		}
		reserved = true
		return write(bkt, key, boltRecord{Value: value}.withExpiry(ttl))
	})
	return reserved, err
}

// Get implements Store.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := read(tx.Bucket(cacheBucket), key)
		if err != nil {
			return err
		}
		value = append([]byte(nil), rec.Value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Increment implements Store. The existing expiry is preserved.
func (b *Bolt) Increment(_ context.Context, key string, delta int64) (int64, error) {
	var total int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(cacheBucket)
		rec, err := read(bkt, key)
		if err != nil {
			total = delta
			return write(bkt, key, boltRecord{Value: strconv.AppendInt(nil, delta, 10)})
		}
		n, err := strconv.ParseInt(string(rec.Value), 10, 64)
		if err != nil {
			return fmt.Errorf("incrementing non-numeric value at %q: %w", key, err)
		}
		total = n + delta
		rec.Value = strconv.AppendInt(nil, total, 10)
		return write(bkt, key, rec)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Touch implements Store.
func (b *Bolt) Touch(_ context.Context, key string, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(cacheBucket)
		rec, err := read(bkt, key)
		if err != nil {
			return err
		}
		return write(bkt, key, rec.withExpiry(ttl))
	})
}

// Delete implements Store.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}
