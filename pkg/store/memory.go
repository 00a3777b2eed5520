package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/infrastructure-io/mobilityd/pkg/lock"
)

type memoryProvider struct {
	lock   lock.Mutex
	tables map[string]*memoryKV
}

// NewMemoryProvider returns process local tables, used when no redis is configured and in tests
func NewMemoryProvider() Provider {
	return &memoryProvider{
		tables: make(map[string]*memoryKV),
	}
}

func (p *memoryProvider) KV(table string) KV {
	p.lock.Lock()
	defer p.lock.Unlock()
	kv, ok := p.tables[table]
	if !ok {
		kv = &memoryKV{data: make(map[string]Record)}
		p.tables[table] = kv
	}
	return kv
}

type memoryKV struct {
	lock lock.RWMutex
	data map[string]Record
}

func (m *memoryKV) Get(_ context.Context, key string) (Record, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	r, ok := m.data[key]
	if !ok {
		return Record{}, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	return Record{Value: append([]byte(nil), r.Value...), Version: r.Version}, nil
}

func (m *memoryKV) Put(_ context.Context, key string, value []byte, expected uint64) (uint64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cur := m.data[key].Version
	if cur != expected {
		return 0, errors.Wrapf(ErrVersionConflict, "key %s at version %d, write based on %d", key, cur, expected)
	}
	next := cur + 1
	m.data[key] = Record{Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (m *memoryKV) Delete(_ context.Context, key string, expected uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.data[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "key %s", key)
	}
	if r.Version != expected {
		return errors.Wrapf(ErrVersionConflict, "key %s at version %d, delete based on %d", key, r.Version, expected)
	}
	delete(m.data, key)
	return nil
}

func (m *memoryKV) List(_ context.Context) (map[string]Record, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make(map[string]Record, len(m.data))
	for k, v := range m.data {
		result[k] = Record{Value: append([]byte(nil), v.Value...), Version: v.Version}
	}
	return result, nil
}
