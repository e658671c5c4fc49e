package broker

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
)

// errSuperseded reports that the connection lost its session while a
// subscription was being resolved.
var errSuperseded = errors.New("connection superseded")

type granted struct {
	filter   string
	id       string
	matchers []*topic.Matcher
	qos      byte
}

// handleSubscribe registers each filter, answers with SUBACK and, when
// enabled, sends the current values of what was subscribed.
func (b *Broker) handleSubscribe(c *session.Client, sub *pa.SubscribePacketPayloads) error {
	states := make([]pa.SubscribeState, 0, len(sub.Subscriptions))
	var accepted []granted
	for _, s := range sub.Subscriptions {
		g, err := b.subscribe(c, s.TopicName, min(s.QoSLevel, 2))
		if errors.Is(err, errSuperseded) {
			logger.DebugF("[%s] Connection superseded while subscribing, dropping SUBACK", c.ID)
			return err
		}
		if err != nil {
			logger.WarnF("[%s] Subscription to %q rejected: %v", c.ID, s.TopicName, err)
			states = append(states, pa.Failure)
			continue
		}
		logger.InfoF("[%s] Subscribed to %s with QoS %d", c.ID, s.TopicName, g.qos)
		states = append(states, pa.SubscribeState(g.qos))
		accepted = append(accepted, g)
	}

	if err := c.Send(pa.NewSubAckPacket(sub.PacketID, states)); err != nil {
		return err
	}

	if b.opts.PublishOnSubscribe {
		for _, g := range accepted {
			b.publishCurrent(b.ctx, c, g)
		}
	}
	return nil
}

func (b *Broker) subscribe(c *session.Client, filter string, qos byte) (granted, error) {
	if err := topic.ValidateFilter(filter, b.opts.MaxTopicLength); err != nil {
		return granted{}, err
	}
	if topic.HasWildcard(filter) {
		matchers, err := b.codec.CompileVariants(filter)
		if err != nil {
			return granted{}, err
		}
		if !b.sessions.IsCurrent(c) {
			return granted{}, errSuperseded
		}
		c.Registry.SubscribePattern(filter, matchers, qos)
		return granted{filter: filter, matchers: matchers, qos: qos}, nil
	}
	entry, err := b.resolver.Resolve(b.ctx, filter, store.TypeMixed)
	if err != nil {
		return granted{}, err
	}
	// Resolve may wait on the store; a takeover meanwhile owns the registry
	if !b.sessions.IsCurrent(c) {
		return granted{}, errSuperseded
	}
	c.Registry.SubscribeExact(filter, entry.ID, qos)
	return granted{filter: filter, id: entry.ID, qos: qos}, nil
}

// publishCurrent sends the stored values covered by g as retained messages.
func (b *Broker) publishCurrent(ctx context.Context, c *session.Client, g granted) {
	if g.id != "" {
		b.publishStored(ctx, c, g.id, g.filter, g.qos)
		return
	}
	seen := make(map[string]struct{})
	for _, m := range g.matchers {
		entries, err := b.store.ListEntriesByPrefix(ctx, m.LiteralPrefix())
		if err != nil {
			logger.WarnF("[%s] Cannot list entries for %s: %v", c.ID, g.filter, err)
			continue
		}
		for _, e := range entries {
			if _, dup := seen[e.ID]; dup || !m.Match(e.ID) {
				continue
			}
			seen[e.ID] = struct{}{}
			qos, ok := c.Registry.Matches(e.ID)
			if !ok {
				continue
			}
			b.publishStored(ctx, c, e.ID, b.topicFor(e.ID), qos)
		}
	}
}

func (b *Broker) publishStored(ctx context.Context, c *session.Client, id, topicName string, qos byte) {
	state, err := b.store.GetValue(ctx, id)
	if err != nil || state == nil {
		return
	}
	b.deliver(c, queue.PendingMessage{
		Topic:     topicName,
		StoreID:   id,
		Payload:   b.encode(*state),
		QoS:       qos,
		Retain:    true,
		Timestamp: state.Timestamp,
	})
}
