package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreDeleted is returned when writing through a Store handle whose
// underlying store has been deleted from the registry.
var ErrStoreDeleted = errors.New("cache store has been deleted")

// Registry is the namespace of named cache stores.
// Stores are created lazily by Open and removed as a whole by Delete;
// individual entries never expire.
//
// Implementations must be thread-safe!
type Registry interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named store and all of its entries.
	// It reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all stores in creation order.
	Keys(ctx context.Context) ([]string, error)
}

// Store is a single named cache store.
// It stores and retrieves []byte values, which represent HTTP responses.
type Store interface {
	Name() string
	// All returns all entries whose key has the given prefix.
	All(ctx context.Context, prefix string) ([]Entry, error)
	// Get returns the entry for the exact key, if it exists.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entry for the key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in the store.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
