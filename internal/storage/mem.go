package storage

import (
	"encoding/json"
	"sync"
)

// Compile-time proof that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory implementation of Store. It is exported so that
// other packages can run their tests without touching disk, and doubles as
// a backend for single-process embedded deployments.
type MemStore struct {
	mu         sync.Mutex
	namespaces map[string]map[string][]byte
}

// NewMemStore creates a fresh in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{namespaces: make(map[string]map[string][]byte)}
}

func (m *MemStore) ns(namespace string) map[string][]byte {
	b, ok := m.namespaces[namespace]
	if !ok {
		b = make(map[string][]byte)
		m.namespaces[namespace] = b
	}
	return b
}

func (m *MemStore) Get(id, namespace string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ns(namespace)[id]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (m *MemStore) GetAll(namespace string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ns(namespace)
	out := make([]Record, 0, len(b))
	for id, v := range b {
		out = append(out, Record{ID: id, Value: append([]byte{}, v...)})
	}
	return out, nil
}

func (m *MemStore) Save(id string, value []byte, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ns(namespace)[id] = append([]byte{}, value...)
	return nil
}

func (m *MemStore) Delete(id, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ns(namespace), id)
	return nil
}

func (m *MemStore) Rebuild(namespaces ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(namespaces) == 0 {
		m.namespaces = make(map[string]map[string][]byte)
		return nil
	}
	for _, ns := range namespaces {
		delete(m.namespaces, ns)
	}
	return nil
}

func (m *MemStore) IncrWindow(id, namespace string, windowStart int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ns(namespace)
	rec := decodeCounter(b[id])
	if rec.WindowStart != windowStart {
		rec = counterRecord{WindowStart: windowStart}
	}
	rec.Count++
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	b[id] = data
	return rec.Count, nil
}

// DBPath returns "" because MemStore has no backing file.
func (m *MemStore) DBPath() string { return "" }

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
