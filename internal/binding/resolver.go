// Package binding maps wire topics to store entries, creating entries for
// unknown topics and writing inbound values.
package binding

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/value"
)

type State int

const (
	StateAbsent State = iota
	StateCreating
	StateReady
)

// AckMode selects the acknowledged flag of written states.
type AckMode int

const (
	// AckAuto writes reports into the own namespace and commands elsewhere.
	AckAuto AckMode = iota
	AckReport
	AckCommand
)

type pendingWrite struct {
	value value.Value
	mode  AckMode
}

// Binding is the resolution state of one topic.
type Binding struct {
	Topic   string
	StoreID string
	Entry   store.Entry
	State   State

	pending *pendingWrite
}

// Write describes one value written to the store.
type Write struct {
	Topic   string
	StoreID string
	State   store.State
	Changed bool
}

// Resolver owns the topic bindings of one engine. Only the first message for
// an unknown topic creates its entry; messages arriving meanwhile overwrite a
// single pending slot that is flushed once the entry exists.
type Resolver struct {
	store  store.Store
	codec  *topic.Codec
	origin string

	mu       sync.Mutex
	bindings map[string]*Binding
	topics   map[string]string
}

func NewResolver(st store.Store, codec *topic.Codec, origin string) *Resolver {
	return &Resolver{
		store:    st,
		codec:    codec,
		origin:   origin,
		bindings: make(map[string]*Binding),
		topics:   make(map[string]string),
	}
}

func (r *Resolver) Origin() string {
	return r.origin
}

// Ingest writes v for topicName, creating the backing entry if needed. While
// the entry is being created the value is parked and no write is returned.
func (r *Resolver) Ingest(ctx context.Context, topicName string, v value.Value, mode AckMode) ([]Write, error) {
	r.mu.Lock()
	b, ok := r.bindings[topicName]
	switch {
	case ok && b.State == StateReady:
		entry := b.Entry
		r.mu.Unlock()
		w, err := r.write(ctx, topicName, entry, v, mode)
		if err != nil {
			return nil, err
		}
		return []Write{w}, nil
	case ok && b.State == StateCreating:
		b.pending = &pendingWrite{value: v, mode: mode}
		r.mu.Unlock()
		logger.DebugF("Topic %s is being created, value parked", topicName)
		return nil, nil
	}
	b = &Binding{Topic: topicName, State: StateCreating}
	r.bindings[topicName] = b
	r.mu.Unlock()

	entry, err := r.resolveOrCreate(ctx, topicName, value.InferType(v))
	if err != nil {
		r.reset(topicName)
		return nil, err
	}

	var writes []Write
	first, err := r.write(ctx, topicName, *entry, v, mode)
	if err != nil {
		r.reset(topicName)
		return nil, err
	}
	entry.Type = value.Widen(entry.Type, value.InferType(v))
	writes = append(writes, first)

	for {
		r.mu.Lock()
		pend := b.pending
		b.pending = nil
		if pend == nil {
			b.Entry = *entry
			b.StoreID = entry.ID
			b.State = StateReady
			r.topics[entry.ID] = topicName
			r.mu.Unlock()
			return writes, nil
		}
		r.mu.Unlock()

		w, err := r.write(ctx, topicName, *entry, pend.value, pend.mode)
		if err != nil {
			r.reset(topicName)
			return writes, err
		}
		entry.Type = value.Widen(entry.Type, value.InferType(pend.value))
		writes = append(writes, w)
	}
}

// Resolve returns the entry behind topicName, creating it with declaredType
// when missing. It does not write a value.
func (r *Resolver) Resolve(ctx context.Context, topicName string, declaredType store.ValueType) (*store.Entry, error) {
	r.mu.Lock()
	if b, ok := r.bindings[topicName]; ok && b.State == StateReady {
		entry := b.Entry
		r.mu.Unlock()
		return &entry, nil
	}
	r.mu.Unlock()

	entry, err := r.resolveOrCreate(ctx, topicName, declaredType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.bindings[topicName]; !ok {
		r.bindings[topicName] = &Binding{Topic: topicName, StoreID: entry.ID, Entry: *entry, State: StateReady}
		r.topics[entry.ID] = topicName
	}
	r.mu.Unlock()
	return entry, nil
}

// Lookup returns the binding of topicName if there is one.
func (r *Resolver) Lookup(topicName string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[topicName]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// TopicFor returns the topic an identifier was first seen under.
func (r *Resolver) TopicFor(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	return t, ok
}

// Forget drops the binding of a deleted entry.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[id]; ok {
		delete(r.bindings, t)
		delete(r.topics, id)
	}
}

func (r *Resolver) reset(topicName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, topicName)
}

// resolveOrCreate looks the topic up as an absolute id, then relative to the
// namespace, and finally creates it inside the namespace.
func (r *Resolver) resolveOrCreate(ctx context.Context, topicName string, declaredType store.ValueType) (*store.Entry, error) {
	rel := r.codec.ToStoreID(topicName, false)
	if rel == "" {
		return nil, fmt.Errorf("topic %q maps to an empty id", topicName)
	}

	entry, err := r.store.GetEntryAnywhere(ctx, rel)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve %s: %w", topicName, err)
	}

	entry, err = r.store.GetEntry(ctx, rel)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve %s: %w", topicName, err)
	}

	id := r.codec.LocalID(rel)
	entry, err = r.store.CreateEntry(ctx, id, declaredType, store.Metadata{
		Name:  topicName,
		Role:  "variable",
		Read:  true,
		Write: true,
		Desc:  "mqtt client variable",
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	logger.InfoF("Created entry %s (%s) for topic %s", id, declaredType, topicName)
	return entry, nil
}

func (r *Resolver) ackFor(id string, mode AckMode) bool {
	switch mode {
	case AckReport:
		return true
	case AckCommand:
		return false
	default:
		return r.codec.IsLocal(id) || r.codec.Namespace == ""
	}
}

func (r *Resolver) write(ctx context.Context, topicName string, entry store.Entry, v value.Value, mode AckMode) (Write, error) {
	state := v.ToState(r.ackFor(entry.ID, mode))
	state.Origin = r.origin

	if widened := value.Widen(entry.Type, value.InferType(v)); widened != entry.Type {
		if err := r.store.SetEntryType(ctx, entry.ID, widened); err != nil {
			logger.WarnF("Cannot widen %s to %s: %v", entry.ID, widened, err)
		} else {
			logger.DebugF("Entry %s widened from %s to %s", entry.ID, entry.Type, widened)
			r.setType(topicName, widened)
		}
	}

	changed := true
	if prev, err := r.store.GetValue(ctx, entry.ID); err == nil {
		changed = !reflect.DeepEqual(prev.Value, state.Value)
	}

	if err := r.store.WriteValue(ctx, entry.ID, state); err != nil {
		return Write{}, fmt.Errorf("write %s: %w", entry.ID, err)
	}
	// the store fills timestamp and lastChange
	if stored, err := r.store.GetValue(ctx, entry.ID); err == nil {
		state.Timestamp = stored.Timestamp
		state.LastChange = stored.LastChange
	}
	return Write{Topic: topicName, StoreID: entry.ID, State: state, Changed: changed}, nil
}

func (r *Resolver) setType(topicName string, t store.ValueType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[topicName]; ok {
		b.Entry.Type = t
	}
}
