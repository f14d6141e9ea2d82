// Package statestore publishes periodic snapshots of a session so external
// inspectors can see it without attaching to the process.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/gaspardpetit/mcprun/internal/session"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

// Snapshot is the published view of one session.
type Snapshot struct {
	Session  session.Info            `json:"session"`
	Pending  int                     `json:"pending"`
	Upstream *transport.ProcessStats `json:"upstream,omitempty"`
	Updated  time.Time               `json:"updated"`
}

// Store persists snapshots keyed by session id.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, bool, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	snap map[string]Snapshot
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: map[string]Snapshot{}}
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snap[s.Session.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snap[id]
	return s, ok, nil
}
