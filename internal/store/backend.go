package store

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("record not found")

// Backend is durable key/value storage for serialized feeds.
type Backend interface {
	// Get returns ErrNotFound when key has no record.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	lock    sync.RWMutex
	records map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.lock.Lock()
	m.records[key] = append([]byte(nil), value...)
	m.lock.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.lock.Lock()
	delete(m.records, key)
	m.lock.Unlock()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
