package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

type record struct {
	entry Entry
	state *State
}

// MemoryStore is a thread-safe in-process Store. Change handlers run
// synchronously on the writer's goroutine after the store lock is released.
type MemoryStore struct {
	mu        sync.RWMutex
	namespace string
	records   map[string]*record
	clock     clockwork.Clock

	handlersMu sync.RWMutex
	handlers   map[int]ChangeHandler
	nextID     int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(namespace string, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		namespace: namespace,
		records:   make(map[string]*record),
		clock:     clock,
		handlers:  make(map[int]ChangeHandler),
	}
}

func (ms *MemoryStore) Namespace() string {
	return ms.namespace
}

func (ms *MemoryStore) lookup(id string) (*Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	entry := rec.entry
	return &entry, nil
}

func (ms *MemoryStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	return ms.lookup(ms.namespace + "." + id)
}

func (ms *MemoryStore) GetEntryAnywhere(_ context.Context, id string) (*Entry, error) {
	return ms.lookup(id)
}

func (ms *MemoryStore) CreateEntry(_ context.Context, id string, declaredType ValueType, meta Metadata) (*Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("create entry: empty id")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if rec, ok := ms.records[id]; ok {
		entry := rec.entry
		return &entry, nil
	}
	rec := &record{entry: Entry{ID: id, Type: declaredType, Metadata: meta}}
	ms.records[id] = rec
	entry := rec.entry
	return &entry, nil
}

func (ms *MemoryStore) SetEntryType(_ context.Context, id string, declaredType ValueType) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	rec.entry.Type = declaredType
	return nil
}

func (ms *MemoryStore) GetValue(_ context.Context, id string) (*State, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.records[id]
	if !ok || rec.state == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	state := *rec.state
	return &state, nil
}

// WriteValue stores state, filling timestamp and lastChange. A filled
// timestamp is strictly greater than the previous one of the entry, so two
// writes within one millisecond stay ordered. Writing to an unknown id is an
// error.
func (ms *MemoryStore) WriteValue(_ context.Context, id string, state State) error {
	now := ms.clock.Now().UnixMilli()

	ms.mu.Lock()
	rec, ok := ms.records[id]
	if !ok {
		ms.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if state.Timestamp == 0 {
		state.Timestamp = now
		if rec.state != nil && rec.state.Timestamp >= now {
			state.Timestamp = rec.state.Timestamp + 1
		}
	}
	if rec.state != nil && reflect.DeepEqual(rec.state.Value, state.Value) {
		state.LastChange = rec.state.LastChange
	} else {
		state.LastChange = state.Timestamp
	}
	stored := state
	rec.state = &stored
	ms.mu.Unlock()

	ms.notify(Change{ID: id, State: &state})
	return nil
}

func (ms *MemoryStore) DeleteEntry(_ context.Context, id string) error {
	ms.mu.Lock()
	if _, ok := ms.records[id]; !ok {
		ms.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(ms.records, id)
	ms.mu.Unlock()

	ms.notify(Change{ID: id})
	return nil
}

func (ms *MemoryStore) ListEntriesByPrefix(_ context.Context, prefix string) ([]*Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var result []*Entry
	for id, rec := range ms.records {
		if strings.HasPrefix(id, prefix) {
			entry := rec.entry
			result = append(result, &entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (ms *MemoryStore) OnChange(handler ChangeHandler) func() {
	ms.handlersMu.Lock()
	defer ms.handlersMu.Unlock()
	id := ms.nextID
	ms.nextID++
	ms.handlers[id] = handler
	return func() {
		ms.handlersMu.Lock()
		defer ms.handlersMu.Unlock()
		delete(ms.handlers, id)
	}
}

func (ms *MemoryStore) notify(change Change) {
	ms.handlersMu.RLock()
	handlers := make([]ChangeHandler, 0, len(ms.handlers))
	for _, h := range ms.handlers {
		handlers = append(handlers, h)
	}
	ms.handlersMu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

// Now returns the store clock in milliseconds, the unit of State timestamps.
func (ms *MemoryStore) Now() int64 {
	return ms.clock.Now().UnixMilli()
}
