package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TimurManjosov/goautorun/internal/session"
)

// MemoryStore keeps session history in process memory.
// Suitable for development, tests, or single-instance deployments that do not
// need history to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*History
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*History)}
}

func (m *MemoryStore) RecordHook(_ context.Context, info session.Info) error {
	rec := hookRecord(info)
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[info.ID]
	if !ok {
		h = &History{}
		m.sessions[info.ID] = h
	}
	h.Session = rec
	h.Events = append(h.Events, Event{Kind: EventHook, At: rec.HookedAt, State: rec.State})
	return nil
}

func (m *MemoryStore) RecordState(_ context.Context, sessionID string, state session.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history(sessionID)
	h.Session.State = state
	h.Session.UpdatedAt = at.UTC()
	h.Events = append(h.Events, Event{Kind: EventState, At: at.UTC(), State: state})
	return nil
}

func (m *MemoryStore) RecordCommand(_ context.Context, sessionID string, cmd session.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history(sessionID)
	h.Events = append(h.Events, commandEvent(cmd))
	return nil
}

func (m *MemoryStore) RecordResult(_ context.Context, sessionID string, res session.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history(sessionID)
	h.Events = append(h.Events, resultEvent(res))
	return nil
}

// history returns the entry for id, creating a bare one for records that arrive
// without a hook. Caller holds m.mu.
func (m *MemoryStore) history(id string) *History {
	h, ok := m.sessions[id]
	if !ok {
		h = &History{Session: SessionRecord{ID: id}}
		m.sessions[id] = h
	}
	return h
}

func (m *MemoryStore) Sessions(_ context.Context, limit int) ([]SessionRecord, error) {
	m.mu.RLock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h.Session)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].HookedAt.Equal(out[j].HookedAt) {
			return out[i].HookedAt.After(out[j].HookedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, sessionID string) (*History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := &History{Session: h.Session, Events: make([]Event, len(h.Events))}
	copy(cp.Events, h.Events)
	return cp, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
