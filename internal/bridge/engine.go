// Package bridge connects the state store to a remote MQTT broker: remote
// messages become store writes and local store changes become publishes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/binding"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/value"
)

var ErrNotConnected = errors.New("not connected to remote broker")

const connectionStatusID = "info.connection"

type Engine struct {
	opts     Options
	store    store.Store
	repo     database.SessionRepository
	wire     WireClient
	codec    *topic.Codec
	resolver *binding.Resolver
	clock    clockwork.Clock
	origin   string
	queue    *queue.Queue
	ids      *queue.PacketIDs
	sweep    *scheduler.Task

	publishMatchers []*topic.Matcher
	connected       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopChanges func()
	started     bool
}

func New(opts Options, st store.Store, repo database.SessionRepository, wire WireClient, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if repo == nil {
		repo = database.NewMemoryStore()
	}
	codec := topic.NewCodec(opts.Prefix, opts.Namespace)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		store:    st,
		repo:     repo,
		wire:     wire,
		codec:    codec,
		resolver: binding.NewResolver(st, codec, opts.Namespace),
		clock:    clock,
		origin:   opts.Namespace,
		queue:    queue.New(),
		ids:      queue.NewPacketIDs(),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.sweep = scheduler.NewTask("bridge retransmit", clock, opts.RetransmitInterval, e.Sweep)
	return e
}

// Start compiles the publish patterns, listens for store changes and opens
// the remote connection.
func (e *Engine) Start(ctx context.Context) error {
	for _, p := range e.opts.PublishPatterns {
		matchers, err := e.codec.CompileVariants(p)
		if err != nil {
			return fmt.Errorf("publish pattern %q: %w", p, err)
		}
		e.publishMatchers = append(e.publishMatchers, matchers...)
	}

	e.mu.Lock()
	e.stopChanges = e.store.OnChange(e.onStoreChange)
	e.started = true
	e.mu.Unlock()

	e.writeStatus(ctx, false)
	if err := e.wire.Connect(Handlers{
		OnConnect:        e.handleConnect,
		OnConnectionLost: e.handleConnectionLost,
		OnMessage:        e.handleMessage,
	}); err != nil {
		return err
	}
	if e.opts.RetransmitInterval > 0 {
		e.sweep.Start()
	}
	return nil
}

func (e *Engine) Connected() bool {
	return e.connected.Load()
}

// Pending returns the messages still awaiting completion.
func (e *Engine) Pending() []queue.PendingMessage {
	return e.queue.All()
}

func (e *Engine) handleConnect() {
	e.connected.Store(true)
	logger.InfoF("[%s] Connected to remote broker", e.opts.ClientID)
	e.writeStatus(e.ctx, true)

	if err := e.subscribePatterns(e.ctx); err != nil {
		logger.ErrorF("[%s] %v", e.opts.ClientID, err)
	}
	e.flush()
}

func (e *Engine) handleConnectionLost(err error) {
	e.connected.Store(false)
	logger.WarnF("[%s] Connection to remote broker lost: %v", e.opts.ClientID, err)
	e.writeStatus(e.ctx, false)
}

// subscribePatterns subscribes every configured pattern. With persistent
// sessions the previously subscribed set is loaded and patterns no longer
// configured are unsubscribed before the new set is stored.
func (e *Engine) subscribePatterns(ctx context.Context) error {
	if len(e.opts.Patterns) > 0 {
		filters := make(map[string]byte, len(e.opts.Patterns))
		for _, p := range e.opts.Patterns {
			filters[p] = e.opts.DefaultQoS
		}
		if err := e.wire.Subscribe(filters); err != nil {
			return fmt.Errorf("subscribe %v: %w", e.opts.Patterns, err)
		}
		logger.InfoF("[%s] Subscribed to %v", e.opts.ClientID, e.opts.Patterns)
	}

	if !e.opts.PersistentSession {
		return nil
	}
	previous, err := e.repo.GetPatterns(ctx, e.opts.ClientID)
	if err != nil && !errors.Is(err, database.ErrSessionNotFound) {
		return fmt.Errorf("load stored patterns: %w", err)
	}
	if removed := difference(previous, e.opts.Patterns); len(removed) > 0 {
		if err := e.wire.Unsubscribe(removed...); err != nil {
			return fmt.Errorf("unsubscribe %v: %w", removed, err)
		}
		logger.InfoF("[%s] Unsubscribed from %v", e.opts.ClientID, removed)
	}
	if err := e.repo.SavePatterns(ctx, e.opts.ClientID, e.opts.Patterns); err != nil {
		return fmt.Errorf("store patterns: %w", err)
	}
	return nil
}

func difference(previous, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, p := range current {
		keep[p] = struct{}{}
	}
	var removed []string
	for _, p := range previous {
		if _, ok := keep[p]; !ok {
			removed = append(removed, p)
		}
	}
	return removed
}

// handleMessage writes a remote message into the store as a report.
func (e *Engine) handleMessage(msg Message) {
	if err := topic.ValidateTopicName(msg.Topic, e.opts.MaxTopicLength); err != nil {
		logger.WarnF("[%s] Dropping message on %q: %v", e.opts.ClientID, msg.Topic, err)
		return
	}
	if _, err := e.resolver.Ingest(e.ctx, msg.Topic, value.Decode(msg.Payload), binding.AckReport); err != nil {
		logger.ErrorF("[%s] Cannot write %q to store: %v", e.opts.ClientID, msg.Topic, err)
	}
}

// shouldPublish reports whether changes of id go to the remote broker.
func (e *Engine) shouldPublish(id string) bool {
	if e.codec.IsLocal(id) {
		return true
	}
	for _, m := range e.publishMatchers {
		if m.Match(id) {
			return true
		}
	}
	return false
}

func (e *Engine) onStoreChange(change store.Change) {
	if change.State == nil {
		e.resolver.Forget(change.ID)
		return
	}
	state := change.State
	if state.Origin == e.origin || !e.shouldPublish(change.ID) {
		return
	}
	if change.ID == e.codec.LocalID(connectionStatusID) {
		return
	}
	if e.opts.OnlyOnChange && state.LastChange != 0 && state.LastChange != state.Timestamp {
		return
	}
	e.widen(change.ID, state.Value)

	if err := e.Publish(change.ID, *state); err != nil && !errors.Is(err, ErrNotConnected) {
		logger.WarnF("[%s] Cannot publish %s: %v", e.opts.ClientID, change.ID, err)
	}
}

// widen turns the entry of id into mixed when state carries a value of
// another type than declared.
func (e *Engine) widen(id string, v any) {
	if v == nil {
		return
	}
	entry, err := e.store.GetEntryAnywhere(e.ctx, id)
	if err != nil {
		return
	}
	if widened := value.Widen(entry.Type, value.TypeOf(v)); widened != entry.Type {
		if err := e.store.SetEntryType(e.ctx, id, widened); err != nil {
			logger.WarnF("Cannot widen %s to %s: %v", id, widened, err)
		}
	}
}

func (e *Engine) topicFor(id string) string {
	if t, ok := e.resolver.TopicFor(id); ok {
		return t
	}
	return e.codec.ToTopic(id, true)
}

// Publish sends state of id to the remote broker. QoS 1 and 2 messages stay
// queued until the publish completes. While disconnected ErrNotConnected is
// returned; queued messages go out on the next connect.
func (e *Engine) Publish(id string, state store.State) error {
	msg := queue.PendingMessage{
		Topic:     e.topicFor(id),
		StoreID:   id,
		Payload:   value.Encode(value.FromState(state, e.opts.SendStateObject)),
		QoS:       e.opts.DefaultQoS,
		Retain:    e.opts.Retain,
		Timestamp: state.Timestamp,
	}
	if msg.QoS > 0 && !e.enqueue(&msg) {
		return nil
	}
	if !e.connected.Load() {
		return ErrNotConnected
	}
	e.send(msg)
	return nil
}

func (e *Engine) enqueue(msg *queue.PendingMessage) bool {
	msg.MessageID = e.ids.NextID()
	if msg.MessageID == 0 {
		logger.WarnF("[%s] Too many messages in flight, dropping %s", e.opts.ClientID, msg.Topic)
		return false
	}
	now := e.clock.Now()
	msg.EnqueuedAt = now
	msg.SentAt = now
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}
	added, replaced := e.queue.Enqueue(*msg)
	if !added {
		e.ids.ReleaseID(msg.MessageID)
		return false
	}
	if replaced != nil {
		e.ids.ReleaseID(replaced.MessageID)
	}
	return true
}

// send hands msg to the wire client and completes it asynchronously.
func (e *Engine) send(msg queue.PendingMessage) {
	token := e.wire.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if msg.QoS == 0 {
		return
	}
	e.queue.MarkSent(msg.MessageID, e.clock.Now())
	go e.await(msg, token)
}

func (e *Engine) await(msg queue.PendingMessage, token Token) {
	select {
	case <-token.Done():
	case <-e.ctx.Done():
		return
	}
	if err := token.Error(); err != nil {
		logger.WarnF("[%s] Publish of %s failed, will retry: %v", e.opts.ClientID, msg.Topic, err)
		return
	}
	if _, ok := e.queue.Ack(msg.MessageID); ok {
		e.ids.ReleaseID(msg.MessageID)
	}
}

// flush sends every queued message after a (re)connect.
func (e *Engine) flush() {
	msgs := e.queue.All()
	if len(msgs) == 0 {
		return
	}
	logger.InfoF("[%s] Sending %d queued messages", e.opts.ClientID, len(msgs))
	for _, msg := range msgs {
		e.send(msg)
	}
}

// Sweep resends queued messages whose publish has not completed in time and
// drops those over the retry ceiling.
func (e *Engine) Sweep(_ context.Context) {
	if !e.connected.Load() {
		return
	}
	due, dropped := e.queue.DrainDue(e.clock.Now(), e.opts.RetransmitInterval, e.opts.RetransmitCount)
	for _, msg := range dropped {
		logger.WarnF("[%s] Message on %s not confirmed after %d attempts, dropped", e.opts.ClientID, msg.Topic, msg.Attempts)
		e.ids.ReleaseID(msg.MessageID)
	}
	for _, msg := range due {
		e.send(msg)
	}
}

func (e *Engine) writeStatus(ctx context.Context, connected bool) {
	id := e.codec.LocalID(connectionStatusID)
	if _, err := e.store.CreateEntry(ctx, id, store.TypeBoolean, store.Metadata{Name: "Connected to remote broker", Role: "indicator.connected", Read: true}); err != nil {
		logger.WarnF("Cannot create status entry %s: %v", id, err)
		return
	}
	if err := e.store.WriteValue(ctx, id, store.State{Value: connected, Acknowledged: true, Origin: e.origin}); err != nil {
		logger.WarnF("Cannot write status entry %s: %v", id, err)
	}
}

// Close disconnects from the remote broker and stops listening for changes.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	stop := e.stopChanges
	e.mu.Unlock()

	e.sweep.Stop()
	if stop != nil {
		stop()
	}
	e.wire.Disconnect()
	e.connected.Store(false)
	e.writeStatus(context.Background(), false)
	e.cancel()
	logger.InfoF("[%s] Bridge client stopped", e.opts.ClientID)
	return nil
}

// Invoke lets the engine be registered with the shutdown cleaner.
func (e *Engine) Invoke(_ context.Context) error {
	return e.Close()
}
