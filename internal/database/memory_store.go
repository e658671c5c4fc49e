package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemoryStore keeps sessions for the lifetime of the process only.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionData
	patterns map[string][]string
}

var _ SessionRepository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionData),
		patterns: make(map[string][]string),
	}
}

func (ms *MemoryStore) GetSession(_ context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", clientID, ErrSessionNotFound)
	}
	return session.clone(), nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.ClientID] = session.clone()
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) ListSessions(_ context.Context) ([]*SessionData, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*SessionData, 0, len(ms.sessions))
	for _, session := range ms.sessions {
		result = append(result, session.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

func (ms *MemoryStore) GetPatterns(_ context.Context, clientID string) ([]string, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	patterns, ok := ms.patterns[clientID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", clientID, ErrSessionNotFound)
	}
	return slices.Clone(patterns), nil
}

func (ms *MemoryStore) SavePatterns(_ context.Context, clientID string, patterns []string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.patterns[clientID] = slices.Clone(patterns)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
