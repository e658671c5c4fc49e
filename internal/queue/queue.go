// Package queue tracks QoS 1 and 2 messages that still await acknowledgement.
package queue

import (
	"sync"
	"time"
)

type Stage int

const (
	StagePublish Stage = iota
	StagePubRel
)

func (s Stage) String() string {
	if s == StagePubRel {
		return "pubrel"
	}
	return "publish"
}

type PendingMessage struct {
	Topic      string    `json:"topic" bson:"topic"`
	StoreID    string    `json:"store_id,omitempty" bson:"store_id,omitempty"`
	Payload    []byte    `json:"payload" bson:"payload"`
	QoS        byte      `json:"qos" bson:"qos"`
	Retain     bool      `json:"retain" bson:"retain"`
	MessageID  uint16    `json:"message_id" bson:"message_id"`
	EnqueuedAt time.Time `json:"enqueued_at" bson:"enqueued_at"`
	Timestamp  int64     `json:"timestamp" bson:"timestamp"`
	Attempts   int       `json:"attempts" bson:"attempts"`
	SentAt     time.Time `json:"sent_at" bson:"sent_at"`
	Stage      Stage     `json:"stage" bson:"stage"`
	Dup        bool      `json:"dup" bson:"dup"`
}

// Queue keeps pending messages in enqueue order. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*PendingMessage
}

func New() *Queue {
	return &Queue{}
}

// Restore builds a queue from persisted messages.
func Restore(messages []PendingMessage) *Queue {
	q := New()
	for i := range messages {
		m := messages[i]
		q.items = append(q.items, &m)
	}
	return q
}

// Enqueue adds msg. A message still waiting for its first acknowledgement on
// the same topic is replaced only when msg carries a strictly newer timestamp;
// the displaced message is returned so its packet id can be released. QoS 0
// messages are never queued.
func (q *Queue) Enqueue(msg PendingMessage) (added bool, replaced *PendingMessage) {
	if msg.QoS == 0 {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.items {
		if existing.Topic != msg.Topic || existing.Stage != StagePublish {
			continue
		}
		if msg.Timestamp <= existing.Timestamp {
			return false, nil
		}
		old := *existing
		q.items[i] = &msg
		return true, &old
	}
	q.items = append(q.items, &msg)
	return true, nil
}

// Ack removes the message with id and returns it.
func (q *Queue) Ack(id uint16) (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.MessageID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return *m, true
		}
	}
	return PendingMessage{}, false
}

// Release moves the message with id to the pubrel stage after PUBREC.
func (q *Queue) Release(id uint16, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.MessageID == id {
			m.Stage = StagePubRel
			m.SentAt = now
			m.Attempts = 0
			return true
		}
	}
	return false
}

// DrainDue returns messages last sent at least interval ago. Each returned
// message has its attempt counter incremented and its send time set to now.
// Messages whose attempt counter already exceeds ceiling are removed and
// returned as dropped instead.
func (q *Queue) DrainDue(now time.Time, interval time.Duration, ceiling int) (resend, dropped []PendingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, m := range q.items {
		if now.Sub(m.SentAt) < interval {
			kept = append(kept, m)
			continue
		}
		if m.Attempts > ceiling {
			dropped = append(dropped, *m)
			continue
		}
		m.Attempts++
		m.SentAt = now
		if m.Stage == StagePublish {
			m.Dup = true
		}
		kept = append(kept, m)
		resend = append(resend, *m)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return resend, dropped
}

// DropOlderThan removes messages enqueued before cutoff.
func (q *Queue) DropOlderThan(cutoff time.Time) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []PendingMessage
	kept := q.items[:0]
	for _, m := range q.items {
		if m.EnqueuedAt.Before(cutoff) {
			dropped = append(dropped, *m)
			continue
		}
		kept = append(kept, m)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return dropped
}

// MarkDuplicate flags every message for redelivery with DUP set.
func (q *Queue) MarkDuplicate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.Stage == StagePublish {
			m.Dup = true
		}
	}
}

// MarkSent records a transmission of the message with id.
func (q *Queue) MarkSent(id uint16, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.MessageID == id {
			m.SentAt = now
			return
		}
	}
}

func (q *Queue) Get(id uint16) (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.MessageID == id {
			return *m, true
		}
	}
	return PendingMessage{}, false
}

// All returns a copy of the queued messages in order.
func (q *Queue) All() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := make([]PendingMessage, 0, len(q.items))
	for _, m := range q.items {
		all = append(all, *m)
	}
	return all
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
