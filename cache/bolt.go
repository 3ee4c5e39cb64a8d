package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	storesBucket  = []byte("stores")
	entriesBucket = []byte("entries")
)

// BoltRegistry keeps stores in a single BoltDB file.
// Each store is a nested bucket of entries; the stores bucket records creation order.
type BoltRegistry struct {
	db *bbolt.DB
}

// NewBoltRegistry opens (or creates) the BoltDB file at path.
func NewBoltRegistry(path string) (*BoltRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt db path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{storesBucket, entriesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRegistry{db: db}, nil
}

func (b *BoltRegistry) Close() error {
	return b.db.Close()
}

func (b *BoltRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		stores := tx.Bucket(storesBucket)
		if stores.Get([]byte(name)) != nil {
			return nil
		}
		seq, err := stores.NextSequence()
		if err != nil {
			return err
		}
		order := make([]byte, 8)
		binary.BigEndian.PutUint64(order, seq)
		if err := stores.Put([]byte(name), order); err != nil {
			return err
		}
		_, err = tx.Bucket(entriesBucket).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return boltStore{registry: b, name: name}, nil
}

func (b *BoltRegistry) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var has bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(storesBucket).Get([]byte(name)) != nil
		return nil
	})
	return has, err
}

func (b *BoltRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		stores := tx.Bucket(storesBucket)
		if stores.Get([]byte(name)) == nil {
			return nil
		}
		existed = true
		if err := stores.Delete([]byte(name)); err != nil {
			return err
		}
		err := tx.Bucket(entriesBucket).DeleteBucket([]byte(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return existed, err
}

func (b *BoltRegistry) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type created struct {
		name string
		seq  uint64
	}
	stores := make([]created, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(storesBucket).ForEach(func(k, v []byte) error {
			stores = append(stores, created{name: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].seq < stores[j].seq })
	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}
	return names, nil
}

type boltStore struct {
	registry *BoltRegistry
	name     string
}

func (s boltStore) Name() string {
	return s.name
}

// view runs fn with the store's entry bucket, which is nil if the store was deleted.
func (s boltStore) view(ctx context.Context, fn func(bucket *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.registry.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(entriesBucket).Bucket([]byte(s.name)))
	})
}

func (s boltStore) All(ctx context.Context, prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := s.view(ctx, func(bucket *bbolt.Bucket) error {
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, decodeBoltEntry(k, v))
		}
		return nil
	})
	return entries, err
}

func (s boltStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	found := false
	err := s.view(ctx, func(bucket *bbolt.Bucket) error {
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			entry = decodeBoltEntry([]byte(key), v)
			found = true
		}
		return nil
	})
	return entry, found, err
}

func (s boltStore) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.registry.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket).Bucket([]byte(s.name))
		if bucket == nil {
			return ErrStoreDeleted
		}
		return bucket.Put([]byte(entry.Key), encodeBoltEntry(entry))
	})
}

func (s boltStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed := false
	err := s.registry.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket).Bucket([]byte(s.name))
		if bucket == nil || bucket.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(key))
	})
	return existed, err
}

func (s boltStore) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := s.view(ctx, func(bucket *bbolt.Bucket) error {
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// entries are stored as the big-endian UnixNano store time followed by the response bytes
func encodeBoltEntry(entry Entry) []byte {
	v := make([]byte, 8+len(entry.Bytes))
	binary.BigEndian.PutUint64(v, uint64(entry.StoredAt.UnixNano()))
	copy(v[8:], entry.Bytes)
	return v
}

// values are only valid inside the transaction, so the bytes are copied out
func decodeBoltEntry(k, v []byte) Entry {
	return Entry{
		Key:      string(k),
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))),
		Bytes:    append([]byte(nil), v[8:]...),
	}
}
