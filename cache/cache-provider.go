package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrPartitionNotFound is returned when operating on a partition that was deleted
// after it was opened.
var ErrPartitionNotFound = errors.New("partition not found")

// Registry is the set of named cache partitions.
// It stores and retrieves []byte values, which represent response snapshots.
// Partitions are addressed by name, and names are what the lifecycle uses
// to tell current partitions from stale ones.
//
// Implementations must be thread-safe!
type Registry interface {
	// Open returns the partition with the given name, creating it if needed.
	// Opening an existing partition does not touch its entries.
	Open(ctx context.Context, name string) (Partition, error)
	// Delete removes the partition and all of its entries.
	// The boolean reports whether the partition existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all partitions, sorted.
	Names(ctx context.Context) ([]string, error)
	// Match looks the key up in every partition, in name order,
	// and returns the first entry found.
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
}

// Partition is a single named key-value store of cache entries.
type Partition interface {
	Name() string
	// Put stores the entry under entry.Key, replacing any previous entry (last write wins).
	Put(ctx context.Context, entry CacheEntry) error
	// Match returns the entry for the given key, if it exists.
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	// Delete removes a single entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in the partition, sorted.
	Keys(ctx context.Context) ([]string, error)
}

type CacheEntry struct {
	Key         string
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}

// MemRegistry keeps all partitions in process memory.
type MemRegistry struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemRegistry) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:    name,
		entries: make(map[string]CacheEntry),
	}
	m.partitions[name] = p
	return p, nil
}

func (m *MemRegistry) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		return false, nil
	}
	p.mutex.Lock()
	p.deleted = true
	p.entries = nil
	p.mutex.Unlock()
	delete(m.partitions, name)
	return true, nil
}

func (m *MemRegistry) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemRegistry) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	names, _ := m.Names(ctx)
	for _, name := range names {
		m.mutex.RLock()
		p, ok := m.partitions[name]
		m.mutex.RUnlock()
		if !ok {
			continue
		}
		if entry, found, err := p.Match(ctx, key); err == nil && found {
			return entry, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

type memPartition struct {
	name    string
	mutex   sync.RWMutex
	entries map[string]CacheEntry
	deleted bool
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Put(ctx context.Context, entry CacheEntry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.deleted {
		return ErrPartitionNotFound
	}
	// keep our own copy, callers may reuse their buffer
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	p.entries[entry.Key] = entry
	return nil
}

func (p *memPartition) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.deleted {
		return CacheEntry{}, false, ErrPartitionNotFound
	}
	entry, ok := p.entries[key]
	return entry, ok, nil
}

func (p *memPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.deleted {
		return false, ErrPartitionNotFound
	}
	_, ok := p.entries[key]
	delete(p.entries, key)
	return ok, nil
}

func (p *memPartition) Keys(ctx context.Context) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.deleted {
		return nil, ErrPartitionNotFound
	}
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
