package cache

import (
	"context"
	"sort"
	"sync"
)

type MemStorage struct {
	mutex   *sync.RWMutex
	buckets map[string]*memBucket
	seq     *int
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
		seq:     new(int),
	}
}

func (m MemStorage) Open(ctx context.Context, name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	b := &memBucket{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	*m.seq++
	b.seq = *m.seq
	m.buckets[name] = b
	return b, nil
}

func (m MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.buckets[name]
	delete(m.buckets, name)
	return ok, nil
}

func (m MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	buckets := make([]*memBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].seq < buckets[j].seq })
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.name)
	}
	return names, nil
}

func (m MemStorage) Close() error {
	return nil
}

type memBucket struct {
	name  string
	seq   int
	mutex *sync.RWMutex
	db    map[string]Entry
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	entry, ok := b.db[key]
	return entry, ok, nil
}

func (b *memBucket) Put(ctx context.Context, entry Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.db[entry.Key] = entry
	return nil
}

func (b *memBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, entry := range entries {
		b.db[entry.Key] = entry
	}
	return nil
}

func (b *memBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.db[key]
	delete(b.db, key)
	return ok, nil
}

func (b *memBucket) Keys(ctx context.Context) ([]string, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	keys := make([]string, 0, len(b.db))
	for key := range b.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
