package broker

import (
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/binding"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/value"
)

const setSuffix = "/set"

// processPublish writes an inbound PUBLISH into the store and forwards it to
// matching subscribers. from is nil for wills of closed connections.
func (b *Broker) processPublish(from *session.Client, topicName string, payload []byte, retain bool) {
	if err := topic.ValidateTopicName(topicName, b.opts.MaxTopicLength); err != nil {
		logger.WarnF("Dropping publish to %q: %v", topicName, err)
		return
	}

	mode := binding.AckAuto
	if b.opts.ExtraSet && strings.HasSuffix(topicName, setSuffix) {
		topicName = strings.TrimSuffix(topicName, setSuffix)
		mode = binding.AckCommand
	}

	writes, err := b.resolver.Ingest(b.ctx, topicName, value.Decode(payload), mode)
	if err != nil {
		logger.ErrorF("Cannot write %q to store: %v", topicName, err)
		return
	}

	exclude := from
	if b.opts.EchoToPublisher {
		exclude = nil
	}
	for _, w := range writes {
		if b.opts.OnlyOnChange && !w.Changed {
			continue
		}
		b.fanOut(w.StoreID, w.State, w.Topic, exclude, retain)
	}
}

// onStoreChange forwards changes made by other writers to subscribers.
func (b *Broker) onStoreChange(change store.Change) {
	if change.State == nil {
		b.resolver.Forget(change.ID)
		return
	}
	if change.State.Origin == b.origin {
		return
	}
	if b.opts.OnlyOnChange && change.State.LastChange != 0 && change.State.LastChange != change.State.Timestamp {
		return
	}
	b.fanOut(change.ID, *change.State, b.topicFor(change.ID), nil, b.opts.Retain)
}

// topicFor prefers the topic a client used for id over the derived one.
func (b *Broker) topicFor(id string) string {
	if t, ok := b.resolver.TopicFor(id); ok {
		return t
	}
	return b.codec.ToTopic(id, true)
}

func (b *Broker) encode(state store.State) []byte {
	return value.Encode(value.FromState(state, b.opts.SendStateObject))
}

// fanOut delivers state to every live client and queues it for every
// persisted session whose subscriptions match id.
func (b *Broker) fanOut(id string, state store.State, topicName string, exclude *session.Client, retain bool) {
	payload := b.encode(state)
	for _, c := range b.sessions.Clients() {
		if c == exclude || c.State() != session.StateActive {
			continue
		}
		qos, ok := c.Registry.Matches(id)
		if !ok {
			continue
		}
		b.deliver(c, queue.PendingMessage{
			Topic:     topicName,
			StoreID:   id,
			Payload:   payload,
			QoS:       qos,
			Retain:    retain,
			Timestamp: state.Timestamp,
		})
	}

	for _, p := range b.sessions.PersistedSessions() {
		qos, ok := p.Registry.Matches(id)
		if !ok || qos == 0 {
			continue
		}
		msg := queue.PendingMessage{
			Topic:     topicName,
			StoreID:   id,
			Payload:   payload,
			QoS:       qos,
			Retain:    retain,
			Timestamp: state.Timestamp,
		}
		if b.enqueue(p.ID, p.Queue, p.PacketIDs, &msg) {
			p.MarkDirty()
		}
	}
}

// enqueue assigns a packet id to msg and queues it, releasing the id of any
// message it replaces. It reports whether msg was queued.
func (b *Broker) enqueue(clientID string, q *queue.Queue, ids *queue.PacketIDs, msg *queue.PendingMessage) bool {
	msg.MessageID = ids.NextID()
	if msg.MessageID == 0 {
		logger.WarnF("[%s] No packet id available, dropping message on %s", clientID, msg.Topic)
		return false
	}
	now := b.clock.Now()
	msg.EnqueuedAt = now
	msg.SentAt = now
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}
	added, replaced := q.Enqueue(*msg)
	if !added {
		ids.ReleaseID(msg.MessageID)
		return false
	}
	if replaced != nil {
		ids.ReleaseID(replaced.MessageID)
	}
	return true
}

// deliver sends msg to a live client, queueing it first when QoS > 0.
func (b *Broker) deliver(c *session.Client, msg queue.PendingMessage) {
	if msg.QoS > 0 && !b.enqueue(c.ID, c.Queue, c.PacketIDs, &msg) {
		return
	}
	if err := c.Send(queuedPacket(msg)); err != nil {
		logger.WarnF("[%s] Fail to deliver %s: %v", c.ID, msg.Topic, err)
	}
}

// resend retransmits queue entries of a live client.
func (b *Broker) resend(c *session.Client, msgs []queue.PendingMessage) {
	now := b.clock.Now()
	for _, msg := range msgs {
		if err := c.Send(queuedPacket(msg)); err != nil {
			logger.WarnF("[%s] Fail to resend message %d: %v", c.ID, msg.MessageID, err)
			return
		}
		c.Queue.MarkSent(msg.MessageID, now)
	}
}

// detach tears down a finished connection and publishes its will.
func (b *Broker) detach(c *session.Client, graceful bool) {
	will, current := b.sessions.Detach(b.ctx, c, graceful)
	if !current {
		return
	}
	logger.InfoF("[%s] Client disconnected", c.ID)
	b.clientConnected(b.ctx, c.ID, false)
	if will != nil {
		logger.InfoF("[%s] Publishing last will to %s", c.ID, will.Topic)
		b.processPublish(nil, will.Topic, will.Payload, will.Retain)
	}
}
