package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memStore struct {
	name    string
	entries map[string]Entry
	deleted bool
}

// MemRegistry keeps all stores in process memory.
type MemRegistry struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	order  []string
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemRegistry) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		s = &memStore{name: name, entries: make(map[string]Entry)}
		m.stores[name] = s
		m.order = append(m.order, name)
	}
	return memHandle{registry: m, store: s}, nil
}

func (m *MemRegistry) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemRegistry) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.deleted = true
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemRegistry) Keys(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, m.order...), nil
}

type memHandle struct {
	registry *MemRegistry
	store    *memStore
}

func (h memHandle) Name() string {
	return h.store.name
}

func (h memHandle) All(_ context.Context, prefix string) ([]Entry, error) {
	h.registry.mutex.RLock()
	defer h.registry.mutex.RUnlock()
	entries := make([]Entry, 0)
	for key, entry := range h.store.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (h memHandle) Get(_ context.Context, key string) (Entry, bool, error) {
	h.registry.mutex.RLock()
	defer h.registry.mutex.RUnlock()
	entry, ok := h.store.entries[key]
	return entry, ok, nil
}

func (h memHandle) Put(_ context.Context, entry Entry) error {
	h.registry.mutex.Lock()
	defer h.registry.mutex.Unlock()
	if h.store.deleted {
		return ErrStoreDeleted
	}
	// copy the bytes so callers can't mutate a stored entry
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	h.store.entries[entry.Key] = entry
	return nil
}

func (h memHandle) Delete(_ context.Context, key string) (bool, error) {
	h.registry.mutex.Lock()
	defer h.registry.mutex.Unlock()
	_, ok := h.store.entries[key]
	delete(h.store.entries, key)
	return ok, nil
}

func (h memHandle) Keys(_ context.Context) ([]string, error) {
	h.registry.mutex.RLock()
	defer h.registry.mutex.RUnlock()
	keys := make([]string, 0, len(h.store.entries))
	for key := range h.store.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
