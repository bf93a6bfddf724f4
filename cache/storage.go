package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a bucket or an entry does not exist.
var ErrNotFound = errors.New("not found")

// Storage is a namespace of named buckets.
// Buckets hold []byte values, which represent HTTP responses.
// Storage does not know about versions: a bucket name is just a name,
// and deciding which buckets are stale is up to the caller.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	// Opening an existing bucket never clears it.
	Open(ctx context.Context, name string) (Bucket, error)
	// Has checks if the bucket exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the bucket and all its entries.
	// It returns false if there was no such bucket.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all buckets in creation order.
	Names(ctx context.Context) ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Bucket is a key-value store of captured responses.
// Writing to a key overwrites the previous value (last writer wins).
type Bucket interface {
	// Name returns the bucket name.
	Name() string
	// Match returns the entry stored under the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores a single entry.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry for the given key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in the bucket.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
