package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps documents as JSON bytes so callers observe the same
// copy semantics as the durable drivers.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	audit  []AuditEntry
	saves  map[string]int
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}, saves: map[string]int{}}
}

func (m *MemoryStore) LoadDocument(ctx context.Context, name string, out any) (bool, error) {
	_ = ctx
	m.mu.Lock()
	b, ok := m.docs[name]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (m *MemoryStore) SaveDocument(ctx context.Context, name string, v any) error {
	_ = ctx
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.docs[name] = b
	m.saves[name]++
	return nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the appended audit entries.
func (m *MemoryStore) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// Saves reports how many times the named document was written.
func (m *MemoryStore) Saves(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[name]
}
