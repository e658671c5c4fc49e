// Package subscription holds the subscriptions of one connection or persisted
// session and answers whether a store identifier is wanted.
package subscription

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
)

// Record is the persisted form of one subscription.
type Record struct {
	Topic    string `json:"topic" bson:"topic"`
	ID       string `json:"id,omitempty" bson:"id,omitempty"`
	QoS      byte   `json:"qos" bson:"qos"`
	Wildcard bool   `json:"wildcard" bson:"wildcard"`
}

// Compiler turns a wire pattern into its matchers.
type Compiler func(pattern string) ([]*topic.Matcher, error)

type patternEntry struct {
	pattern  string
	qos      byte
	matchers []*topic.Matcher
}

type exactTopic struct {
	id  string
	qos byte
}

type hit struct {
	qos byte
	ok  bool
}

// Registry is safe for concurrent use. Exact subscriptions always win over
// patterns; among patterns the first registered one decides the QoS unless
// the registry was built with highest-QoS matching.
type Registry struct {
	mu         sync.RWMutex
	highestQoS bool
	exact      map[string]byte
	topics     map[string]exactTopic
	patterns   []*patternEntry
	hits       map[string]hit
	version    uint64
}

func NewRegistry(highestQoS bool) *Registry {
	return &Registry{
		highestQoS: highestQoS,
		exact:      make(map[string]byte),
		topics:     make(map[string]exactTopic),
		hits:       make(map[string]hit),
	}
}

// invalidate must be called with mu held for writing.
func (r *Registry) invalidate() {
	r.version++
	if len(r.hits) > 0 {
		r.hits = make(map[string]hit)
	}
}

// refreshExact recomputes the QoS of id from every topic resolving to it. Two
// topics may name the same id, for example with and without the namespace.
// Must be called with mu held for writing.
func (r *Registry) refreshExact(id string) {
	found := false
	var qos byte
	for _, et := range r.topics {
		if et.id == id && (!found || et.qos > qos) {
			qos = et.qos
			found = true
		}
	}
	if found {
		r.exact[id] = qos
	} else {
		delete(r.exact, id)
	}
}

func (r *Registry) SubscribeExact(topicName, id string, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, had := r.topics[topicName]
	r.topics[topicName] = exactTopic{id: id, qos: qos}
	if had && old.id != id {
		r.refreshExact(old.id)
	}
	r.refreshExact(id)
	r.invalidate()
}

// SubscribePattern registers or updates a pattern. Re-subscribing keeps the
// pattern's original position.
func (r *Registry) SubscribePattern(pattern string, matchers []*topic.Matcher, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate()
	for _, p := range r.patterns {
		if p.pattern == pattern {
			p.qos = qos
			p.matchers = matchers
			return
		}
	}
	r.patterns = append(r.patterns, &patternEntry{pattern: pattern, qos: qos, matchers: matchers})
}

// Unsubscribe removes a pattern, an exact topic or an exact identifier.
func (r *Registry) Unsubscribe(topicOrPattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.patterns {
		if p.pattern == topicOrPattern {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			r.invalidate()
			return true
		}
	}
	if et, ok := r.topics[topicOrPattern]; ok {
		delete(r.topics, topicOrPattern)
		r.refreshExact(et.id)
		r.invalidate()
		return true
	}
	if _, ok := r.exact[topicOrPattern]; ok {
		delete(r.exact, topicOrPattern)
		for t, et := range r.topics {
			if et.id == topicOrPattern {
				delete(r.topics, t)
			}
		}
		r.invalidate()
		return true
	}
	return false
}

// Matches returns the granted QoS for id.
func (r *Registry) Matches(id string) (byte, bool) {
	r.mu.RLock()
	if qos, ok := r.exact[id]; ok {
		r.mu.RUnlock()
		return qos, true
	}
	if h, ok := r.hits[id]; ok {
		r.mu.RUnlock()
		return h.qos, h.ok
	}
	qos, ok := r.scan(id)
	version := r.version
	r.mu.RUnlock()

	r.mu.Lock()
	if r.version == version {
		r.hits[id] = hit{qos: qos, ok: ok}
	}
	r.mu.Unlock()
	return qos, ok
}

func (r *Registry) scan(id string) (byte, bool) {
	var (
		best  byte
		found bool
	)
	for _, p := range r.patterns {
		for _, m := range p.matchers {
			if !m.Match(id) {
				continue
			}
			if !r.highestQoS {
				return p.qos, true
			}
			if !found || p.qos > best {
				best = p.qos
			}
			found = true
			break
		}
	}
	return best, found
}

// ExactIDs lists the identifiers of exact subscriptions.
func (r *Registry) ExactIDs() map[string]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]byte, len(r.exact))
	for id, qos := range r.exact {
		ids[id] = qos
	}
	return ids
}

// Patterns lists registered patterns in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patterns := make([]string, 0, len(r.patterns))
	for _, p := range r.patterns {
		patterns = append(patterns, p.pattern)
	}
	return patterns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics) + len(r.patterns)
}

func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]Record, 0, len(r.topics)+len(r.patterns))
	for t, et := range r.topics {
		records = append(records, Record{Topic: t, ID: et.id, QoS: et.qos})
	}
	for _, p := range r.patterns {
		records = append(records, Record{Topic: p.pattern, QoS: p.qos, Wildcard: true})
	}
	return records
}

// Restore adds persisted records, recompiling patterns with compile. Records
// that no longer compile are skipped and reported through the returned error.
func (r *Registry) Restore(records []Record, compile Compiler) error {
	var firstErr error
	for _, rec := range records {
		if !rec.Wildcard {
			r.SubscribeExact(rec.Topic, rec.ID, rec.QoS)
			continue
		}
		matchers, err := compile(rec.Topic)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.SubscribePattern(rec.Topic, matchers, rec.QoS)
	}
	return firstErr
}
