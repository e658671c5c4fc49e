package broker

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/binding"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
)

const waitTimeout = 2 * time.Second

type testClient struct {
	t       *testing.T
	conn    net.Conn
	packets chan *mqtt.Packet
	done    chan struct{}
}

func newTestBroker(t *testing.T, mutate func(*Options)) (*Broker, *store.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore("mqtt.0", clock)
	opts := Options{
		Namespace:      "mqtt.0",
		MaxTopicLength: 100,
		Session:        session.Options{RetransmitCount: 3},
	}
	if mutate != nil {
		mutate(&opts)
	}
	b := New(opts, st, database.NewMemoryStore(), clock)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b, st, clock
}

func dial(t *testing.T, b *Broker) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go b.HandleConnection(server)
	tc := &testClient{t: t, conn: client, packets: make(chan *mqtt.Packet, 64), done: make(chan struct{})}
	go func() {
		defer close(tc.done)
		for {
			p, err := mqtt.ReadPacket(client, 0)
			if err != nil {
				return
			}
			tc.packets <- p
		}
	}()
	t.Cleanup(func() { _ = client.Close() })
	return tc
}

func (tc *testClient) send(data []byte) {
	tc.t.Helper()
	_, err := tc.conn.Write(data)
	require.NoError(tc.t, err)
}

func (tc *testClient) expect(pt mqtt.PacketType) *mqtt.Packet {
	tc.t.Helper()
	select {
	case p := <-tc.packets:
		require.Equal(tc.t, pt, p.Header.Type, "got %s", p.Header.Type)
		return p
	case <-time.After(waitTimeout):
		tc.t.Fatalf("timed out waiting for %s", pt)
	}
	return nil
}

func (tc *testClient) expectPublish() *pa.PublishPacketPayloads {
	tc.t.Helper()
	pub, err := pa.ParsePublishPacket(tc.expect(mqtt.PUBLISH))
	require.NoError(tc.t, err)
	return pub
}

func (tc *testClient) expectNothing() {
	tc.t.Helper()
	select {
	case p := <-tc.packets:
		tc.t.Fatalf("unexpected %s packet", p.Header.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func (tc *testClient) expectClosed() {
	tc.t.Helper()
	select {
	case <-tc.done:
	case <-time.After(waitTimeout):
		tc.t.Fatal("connection was not closed")
	}
}

func (tc *testClient) connectWith(p *pa.ConnectPacketPayloads) (bool, pa.ConnectRespType) {
	tc.t.Helper()
	tc.send(pa.NewConnectPacket(p))
	present, code, err := pa.ParseConnectAckPacket(tc.expect(mqtt.CONNACK))
	require.NoError(tc.t, err)
	return present, code
}

func (tc *testClient) connect(id string, clean bool) bool {
	tc.t.Helper()
	present, code := tc.connectWith(&pa.ConnectPacketPayloads{
		ConnectFlag:      pa.ConnectPacketFlag{CleanSession: clean},
		ClientIdentifier: pa.NewFieldPayload(id),
		KeepAlive:        60,
	})
	require.Equal(tc.t, pa.Accepted, code)
	return present
}

func (tc *testClient) subscribe(id uint16, filter string, qos byte) pa.SubscribeState {
	tc.t.Helper()
	tc.send(pa.NewSubscribePacket(id, []*pa.Subscription{{TopicName: filter, QoSLevel: qos}}))
	ackID, states, err := pa.ParseSubAckPacket(tc.expect(mqtt.SUBACK))
	require.NoError(tc.t, err)
	require.Equal(tc.t, id, ackID)
	require.Len(tc.t, states, 1)
	return states[0]
}

func (tc *testClient) publish(topic, payload string, qos byte, id uint16) {
	tc.t.Helper()
	tc.send(pa.NewPublishPacket(&pa.PublishPacketPayloads{
		PacketFlag: pa.PublishPacketFlag{QoS: qos},
		TopicName:  pa.NewFieldPayload(topic),
		PacketID:   id,
		Payload:    []byte(payload),
	}))
}

// sync waits until every packet sent before it has been handled.
func (tc *testClient) sync() {
	tc.t.Helper()
	tc.send(pa.NewPingReqPacket())
	tc.expect(mqtt.PINGRESP)
}

func TestWildcardSubscribersReceiveOnce(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)

	sub1 := dial(t, b)
	sub1.connect("s1", true)
	require.Equal(t, pa.SuccessQos0, sub1.subscribe(1, "#", 0))
	sub2 := dial(t, b)
	sub2.connect("s2", true)
	require.Equal(t, pa.SuccessQos0, sub2.subscribe(1, "#", 0))

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("a/b", "1", 0, 0)
	pub.sync()

	for _, sub := range []*testClient{sub1, sub2} {
		msg := sub.expectPublish()
		assert.Equal(t, "a/b", msg.Topic())
		assert.Equal(t, "1", string(msg.Payload))
		sub.expectNothing()
	}
}

func TestPublishCreatesNumberEntry(t *testing.T) {
	b, st, _ := newTestBroker(t, nil)
	ctx := context.Background()

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("sensor/temp", "233.57", 1, 3)
	ack, err := pa.ParseAckPacket(pub.expect(mqtt.PUBACK))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ack)
	pub.sync()

	entry, err := st.GetEntryAnywhere(ctx, "mqtt.0.sensor.temp")
	require.NoError(t, err)
	assert.Equal(t, store.TypeNumber, entry.Type)
	state, err := st.GetValue(ctx, "mqtt.0.sensor.temp")
	require.NoError(t, err)
	assert.Equal(t, 233.57, state.Value)
	assert.True(t, state.Acknowledged)
	assert.Equal(t, "mqtt.0", state.Origin)
}

func TestQoS2ReplayProcessedOnce(t *testing.T) {
	b, st, _ := newTestBroker(t, nil)
	var writes atomic.Int32
	st.OnChange(func(change store.Change) {
		if change.ID == "mqtt.0.q.t" {
			writes.Add(1)
		}
	})

	pub := dial(t, b)
	pub.connect("p", true)
	for i := 0; i < 2; i++ {
		pub.publish("q/t", "42", 2, 7)
		id, err := pa.ParseAckPacket(pub.expect(mqtt.PUBREC))
		require.NoError(t, err)
		assert.Equal(t, uint16(7), id)
	}
	pub.sync()
	assert.Zero(t, writes.Load())

	pub.send(pa.NewAckPacket(mqtt.PUBREL, 7))
	pub.expect(mqtt.PUBCOMP)
	pub.sync()
	assert.Equal(t, int32(1), writes.Load())

	// a repeated PUBREL is still completed but not processed again
	pub.send(pa.NewAckPacket(mqtt.PUBREL, 7))
	pub.expect(mqtt.PUBCOMP)
	pub.sync()
	assert.Equal(t, int32(1), writes.Load())
}

func TestPersistentSessionRedeliversWithDup(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)

	sub := dial(t, b)
	require.False(t, sub.connect("keeper", false))
	require.Equal(t, pa.SuccessQos1, sub.subscribe(1, "x/#", 1))

	pub := dial(t, b)
	pub.connect("p", true)
	for _, topic := range []string{"x/1", "x/2", "x/3"} {
		pub.publish(topic, "v", 0, 0)
	}
	pub.sync()

	ids := make(map[string]uint16)
	for i := 0; i < 3; i++ {
		msg := sub.expectPublish()
		assert.Equal(t, byte(1), msg.PacketFlag.QoS)
		assert.False(t, msg.PacketFlag.RetryFlag)
		ids[msg.Topic()] = msg.PacketID
	}

	_ = sub.conn.Close()
	require.Eventually(t, func() bool {
		return len(b.Sessions().PersistedSessions()) == 1
	}, waitTimeout, 10*time.Millisecond)

	again := dial(t, b)
	require.True(t, again.connect("keeper", false))
	for i := 0; i < 3; i++ {
		msg := again.expectPublish()
		assert.True(t, msg.PacketFlag.RetryFlag)
		assert.Equal(t, ids[msg.Topic()], msg.PacketID)
		again.send(pa.NewAckPacket(mqtt.PUBACK, msg.PacketID))
	}
	again.sync()

	client, ok := b.Sessions().Current("keeper")
	require.True(t, ok)
	assert.Zero(t, client.Queue.Len())
	assert.Zero(t, client.PacketIDs.InFlight())
}

func TestPersistedSessionQueuesWhileOffline(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)

	sub := dial(t, b)
	sub.connect("keeper", false)
	sub.subscribe(1, "x/#", 1)
	sub.send(pa.NewDisconnectPacket())
	sub.expectClosed()
	require.Eventually(t, func() bool {
		return len(b.Sessions().PersistedSessions()) == 1
	}, waitTimeout, 10*time.Millisecond)

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("x/9", "true", 0, 0)
	pub.sync()

	again := dial(t, b)
	require.True(t, again.connect("keeper", false))
	msg := again.expectPublish()
	assert.Equal(t, "x/9", msg.Topic())
	assert.Equal(t, "true", string(msg.Payload))
	assert.Equal(t, byte(1), msg.PacketFlag.QoS)
}

func TestCleanSessionDiscardsState(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)

	sub := dial(t, b)
	sub.connect("c", false)
	sub.subscribe(1, "x/#", 1)
	sub.send(pa.NewDisconnectPacket())
	sub.expectClosed()
	require.Eventually(t, func() bool {
		return len(b.Sessions().PersistedSessions()) == 1
	}, waitTimeout, 10*time.Millisecond)

	again := dial(t, b)
	assert.False(t, again.connect("c", true))
	assert.Empty(t, b.Sessions().PersistedSessions())
}

func TestBadCredentialsRejected(t *testing.T) {
	b, _, _ := newTestBroker(t, func(o *Options) {
		o.Session.User = "admin"
		o.Session.Password = "secret"
	})

	bad := dial(t, b)
	_, code := bad.connectWith(&pa.ConnectPacketPayloads{
		ConnectFlag:      pa.ConnectPacketFlag{UsernameFlag: true, PasswordFlag: true, CleanSession: true},
		ClientIdentifier: pa.NewFieldPayload("intruder"),
		UsernamePayload:  pa.NewFieldPayload("admin"),
		PasswordPayload:  pa.NewFieldPayload("wrong"),
	})
	assert.Equal(t, pa.AuthenticationFailed, code)
	bad.expectClosed()

	good := dial(t, b)
	_, code = good.connectWith(&pa.ConnectPacketPayloads{
		ConnectFlag:      pa.ConnectPacketFlag{UsernameFlag: true, PasswordFlag: true, CleanSession: true},
		ClientIdentifier: pa.NewFieldPayload("friend"),
		UsernamePayload:  pa.NewFieldPayload("admin"),
		PasswordPayload:  pa.NewFieldPayload("secret"),
	})
	assert.Equal(t, pa.Accepted, code)
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	c := dial(t, b)
	c.send(pa.NewPingReqPacket())
	c.expectClosed()
}

func TestEmptyClientIDGetsGenerated(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	c := dial(t, b)
	assert.False(t, c.connect("", false))
	ids := b.Sessions().ConnectedIDs()
	require.Len(t, ids, 1)
	assert.Len(t, ids[0], 36)
}

func TestTakeoverClosesPreviousConnection(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	first := dial(t, b)
	first.connect("dup", true)
	second := dial(t, b)
	second.connect("dup", true)
	first.expectClosed()
	second.sync()
	assert.Equal(t, []string{"dup"}, b.Sessions().ConnectedIDs())
}

func TestExtraSetWritesCommand(t *testing.T) {
	b, st, _ := newTestBroker(t, func(o *Options) { o.ExtraSet = true })

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("lamp/set", "true", 0, 0)
	pub.sync()

	state, err := st.GetValue(context.Background(), "mqtt.0.lamp")
	require.NoError(t, err)
	assert.Equal(t, true, state.Value)
	assert.False(t, state.Acknowledged)
}

func TestStoreChangeReachesSubscriber(t *testing.T) {
	b, st, clock := newTestBroker(t, nil)
	ctx := context.Background()

	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "dev/state", 0)

	require.NoError(t, st.WriteValue(ctx, "mqtt.0.dev.state", store.State{Value: "on", Acknowledged: true, Origin: "script"}))
	msg := sub.expectPublish()
	assert.Equal(t, "dev/state", msg.Topic())
	assert.Equal(t, "on", string(msg.Payload))

	// own writes are not echoed through the change feed
	clock.Advance(time.Second)
	require.NoError(t, st.WriteValue(ctx, "mqtt.0.dev.state", store.State{Value: "off", Origin: "mqtt.0"}))
	sub.expectNothing()
}

func TestOnlyOnChangeSuppressesRepeats(t *testing.T) {
	b, _, clock := newTestBroker(t, func(o *Options) { o.OnlyOnChange = true })

	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "t/#", 0)
	pub := dial(t, b)
	pub.connect("p", true)

	pub.publish("t/x", "5", 0, 0)
	pub.sync()
	sub.expectPublish()

	clock.Advance(time.Second)
	pub.publish("t/x", "5", 0, 0)
	pub.sync()
	sub.expectNothing()

	pub.publish("t/x", "6", 0, 0)
	pub.sync()
	assert.Equal(t, "6", string(sub.expectPublish().Payload))
}

func TestEchoToPublisher(t *testing.T) {
	tests := []struct {
		name string
		echo bool
	}{
		{"suppressed", false},
		{"echoed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBroker(t, func(o *Options) { o.EchoToPublisher = tt.echo })
			c := dial(t, b)
			c.connect("self", true)
			c.subscribe(1, "me/#", 0)
			c.publish("me/x", "1", 0, 0)
			if tt.echo {
				assert.Equal(t, "me/x", c.expectPublish().Topic())
				return
			}
			c.sync()
			c.expectNothing()
		})
	}
}

func TestPublishOnSubscribe(t *testing.T) {
	b, st, _ := newTestBroker(t, func(o *Options) { o.PublishOnSubscribe = true })
	ctx := context.Background()

	_, err := st.CreateEntry(ctx, "mqtt.0.room.temp", store.TypeNumber, store.Metadata{})
	require.NoError(t, err)
	require.NoError(t, st.WriteValue(ctx, "mqtt.0.room.temp", store.State{Value: 21.0, Acknowledged: true, Origin: "sensor"}))

	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "room/#", 1)
	msg := sub.expectPublish()
	assert.Equal(t, "room/temp", msg.Topic())
	assert.Equal(t, "21", string(msg.Payload))
	assert.True(t, msg.PacketFlag.Retain)
	assert.Equal(t, byte(1), msg.PacketFlag.QoS)
}

func TestInvalidFilterRejected(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	c := dial(t, b)
	c.connect("s", true)
	assert.Equal(t, pa.Failure, c.subscribe(1, "a/#/b", 0))
	assert.Equal(t, pa.SuccessQos2, c.subscribe(2, "a/+", 2))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "u/#", 0)
	sub.send(pa.NewUnSubscribePacket(2, []string{"u/#"}))
	sub.expect(mqtt.UNSUBACK)

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("u/1", "1", 0, 0)
	pub.sync()
	sub.expectNothing()
}

func TestOutboundQoS2Handshake(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "h/#", 2)

	pub := dial(t, b)
	pub.connect("p", true)
	pub.publish("h/1", "1", 0, 0)
	pub.sync()

	msg := sub.expectPublish()
	require.Equal(t, byte(2), msg.PacketFlag.QoS)
	sub.send(pa.NewAckPacket(mqtt.PUBREC, msg.PacketID))
	rel, err := pa.ParseAckPacket(sub.expect(mqtt.PUBREL))
	require.NoError(t, err)
	assert.Equal(t, msg.PacketID, rel)
	sub.send(pa.NewAckPacket(mqtt.PUBCOMP, msg.PacketID))
	sub.sync()

	client, ok := b.Sessions().Current("s")
	require.True(t, ok)
	assert.Zero(t, client.Queue.Len())
}

func TestLastWill(t *testing.T) {
	tests := []struct {
		name     string
		graceful bool
	}{
		{"abnormal close publishes will", false},
		{"disconnect discards will", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBroker(t, nil)
			watcher := dial(t, b)
			watcher.connect("w", true)
			watcher.subscribe(1, "w/#", 0)

			c := dial(t, b)
			c.connectWith(&pa.ConnectPacketPayloads{
				ConnectFlag:        pa.ConnectPacketFlag{WillMessageFlag: true, CleanSession: true},
				ClientIdentifier:   pa.NewFieldPayload("dying"),
				WillMessageTopic:   pa.NewFieldPayload("w/status"),
				WillMessageContent: pa.NewFieldPayload("offline"),
			})
			if tt.graceful {
				c.send(pa.NewDisconnectPacket())
			}
			_ = c.conn.Close()

			if tt.graceful {
				watcher.expectNothing()
				return
			}
			msg := watcher.expectPublish()
			assert.Equal(t, "w/status", msg.Topic())
			assert.Equal(t, "offline", string(msg.Payload))
		})
	}
}

func TestConnectionStatus(t *testing.T) {
	b, st, _ := newTestBroker(t, nil)
	ctx := context.Background()

	c := dial(t, b)
	c.connect("dev.one", true)
	c.sync()

	state, err := st.GetValue(ctx, "mqtt.0.info.connection")
	require.NoError(t, err)
	assert.Equal(t, "dev.one", state.Value)
	state, err = st.GetValue(ctx, "mqtt.0.info.clients.dev_one.connected")
	require.NoError(t, err)
	assert.Equal(t, true, state.Value)

	_ = c.conn.Close()
	require.Eventually(t, func() bool {
		state, err := st.GetValue(ctx, "mqtt.0.info.clients.dev_one.connected")
		return err == nil && state.Value == false
	}, waitTimeout, 10*time.Millisecond)
	state, err = st.GetValue(ctx, "mqtt.0.info.connection")
	require.NoError(t, err)
	assert.Equal(t, "", state.Value)
}

// dialStalled connects and subscribes, then never reads again.
func dialStalled(t *testing.T, b *Broker, id, filter string, qos byte) {
	t.Helper()
	server, client := net.Pipe()
	go b.HandleConnection(server)
	t.Cleanup(func() { _ = client.Close() })

	_, err := client.Write(pa.NewConnectPacket(&pa.ConnectPacketPayloads{
		ConnectFlag:      pa.ConnectPacketFlag{CleanSession: true},
		ClientIdentifier: pa.NewFieldPayload(id),
	}))
	require.NoError(t, err)
	p, err := mqtt.ReadPacket(client, 0)
	require.NoError(t, err)
	require.Equal(t, mqtt.CONNACK, p.Header.Type)

	_, err = client.Write(pa.NewSubscribePacket(1, []*pa.Subscription{{TopicName: filter, QoSLevel: qos}}))
	require.NoError(t, err)
	p, err = mqtt.ReadPacket(client, 0)
	require.NoError(t, err)
	require.Equal(t, mqtt.SUBACK, p.Header.Type)
}

func TestStalledSubscriberDoesNotBlockPublishers(t *testing.T) {
	b, st, _ := newTestBroker(t, func(o *Options) {
		o.SendQueueSize = 4
		o.WriteTimeout = time.Minute
	})
	dialStalled(t, b, "stalled", "#", 1)

	pub := dial(t, b)
	pub.connect("p", true)
	for i := 0; i < 50; i++ {
		pub.publish("a/b", strconv.Itoa(i), 0, 0)
	}
	pub.sync()

	written := make(chan error, 1)
	go func() {
		written <- st.WriteValue(context.Background(), "mqtt.0.a.b", store.State{Value: "ext", Origin: "script"})
	}()
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("store write blocked by a subscriber that does not read")
	}

	// QoS 1 deliveries that could not be written stay queued for the sweep
	for _, c := range b.Sessions().Clients() {
		if c.ID == "stalled" {
			assert.Positive(t, c.Queue.Len())
		}
	}
}

func TestOversizedPacketClosesConnection(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		header  []byte
	}{
		{name: "before connect", header: []byte{0x10, 0xff, 0xff, 0xff, 0x7f}},
		{name: "connect above first packet limit", header: []byte{0x10, 0x81, 0x80, 0x02}},
		{name: "after connect", connect: true, header: []byte{0x30, 0xff, 0xff, 0xff, 0x7f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBroker(t, nil)
			c := dial(t, b)
			if tt.connect {
				c.connect("big", true)
			}
			c.send(tt.header)
			c.expectClosed()
		})
	}
}

func TestOptionsFromConfigLimits(t *testing.T) {
	cfg := config.Default()
	opts := OptionsFromConfig(&cfg)
	assert.Equal(t, config.DefaultMaxPacketSize, opts.MaxPacketSize)
	assert.Equal(t, 256, opts.SendQueueSize)
	assert.Equal(t, 30*time.Second, opts.WriteTimeout)
	assert.Equal(t, connectPacketLimit, opts.firstPacketLimit())

	b, _, _ := newTestBroker(t, nil)
	assert.Equal(t, config.DefaultMaxPacketSize, b.opts.MaxPacketSize)
}

// gatedStore blocks lookups of one id until released.
type gatedStore struct {
	*store.MemoryStore
	id      string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetEntryAnywhere(ctx context.Context, id string) (*store.Entry, error) {
	if id == g.id {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryStore.GetEntryAnywhere(ctx, id)
}

func TestSubscribeResolvedAfterTakeoverIsDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := &gatedStore{
		MemoryStore: store.NewMemoryStore("mqtt.0", clock),
		id:          "x.y",
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	b := New(Options{Namespace: "mqtt.0", MaxTopicLength: 100}, st, database.NewMemoryStore(), clock)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	old := dial(t, b)
	old.connect("dup", false)
	old.send(pa.NewSubscribePacket(1, []*pa.Subscription{{TopicName: "x/y", QoSLevel: 1}}))
	select {
	case <-st.entered:
	case <-time.After(waitTimeout):
		t.Fatal("subscription never reached the store")
	}

	fresh := dial(t, b)
	assert.True(t, fresh.connect("dup", false))
	old.expectClosed()
	close(st.release)

	require.Eventually(t, func() bool {
		bd, ok := b.resolver.Lookup("x/y")
		return ok && bd.State == binding.StateReady
	}, waitTimeout, 10*time.Millisecond)

	matched := func() bool {
		for _, c := range b.Sessions().Clients() {
			if _, ok := c.Registry.Matches("mqtt.0.x.y"); ok {
				return true
			}
		}
		return false
	}
	assert.Never(t, matched, 200*time.Millisecond, 10*time.Millisecond)
	fresh.expectNothing()
}

func TestSameMillisecondPublishesReachUnackedSubscriber(t *testing.T) {
	b, st, _ := newTestBroker(t, nil)

	sub := dial(t, b)
	sub.connect("s", true)
	sub.subscribe(1, "t/x", 1)
	pub := dial(t, b)
	pub.connect("p", true)

	pub.publish("t/x", "1", 0, 0)
	pub.publish("t/x", "2", 0, 0)
	pub.sync()

	first := sub.expectPublish()
	second := sub.expectPublish()
	assert.Equal(t, "1", string(first.Payload))
	assert.Equal(t, "2", string(second.Payload))

	state, err := st.GetValue(context.Background(), "mqtt.0.t.x")
	require.NoError(t, err)
	client, ok := b.Sessions().Current("s")
	require.True(t, ok)
	pending := client.Queue.All()
	require.Len(t, pending, 1)
	assert.Equal(t, state.Timestamp, pending[0].Timestamp)
}

func TestStoreTimestampsStrictlyIncrease(t *testing.T) {
	_, st, _ := newTestBroker(t, nil)
	ctx := context.Background()
	_, err := st.CreateEntry(ctx, "mqtt.0.ts", store.TypeNumber, store.Metadata{})
	require.NoError(t, err)

	var last int64
	for i := 0; i < 3; i++ {
		require.NoError(t, st.WriteValue(ctx, "mqtt.0.ts", store.State{Value: float64(i)}))
		state, err := st.GetValue(ctx, "mqtt.0.ts")
		require.NoError(t, err)
		assert.Greater(t, state.Timestamp, last)
		last = state.Timestamp
	}
}
