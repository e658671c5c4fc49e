// Package session tracks live client sessions and the persisted sessions of
// disconnected non-clean clients.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/subscription"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:    "connecting",
	StateAuthenticated: "authenticated",
	StateActive:        "active",
	StateClosing:       "closing",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Will is the last will registered with CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client is a live connection. Registry, Queue and PacketIDs are shared with
// the persisted session the client was resumed from, if any.
type Client struct {
	ID         string
	Generation uint64
	Conn       connection.Sender
	Registry   *subscription.Registry
	Queue      *queue.Queue
	PacketIDs  *queue.PacketIDs
	KeepAlive  time.Duration
	Clean      bool

	state atomic.Int32

	mu       sync.Mutex
	will     *Will
	received map[uint16]*packet.PublishPacketPayloads
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) SetState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) Send(data []byte) error {
	return c.Conn.Send(data)
}

func (c *Client) Will() *Will {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.will
}

// takeWill returns the will and forgets it, so it is published at most once.
func (c *Client) takeWill() *Will {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.will
	c.will = nil
	return w
}

// StoreReceived keeps an inbound QoS 2 PUBLISH until its PUBREL. It reports
// false when a PUBLISH with the same id is already held.
func (c *Client) StoreReceived(pub *packet.PublishPacketPayloads) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.received[pub.PacketID]; ok {
		return false
	}
	c.received[pub.PacketID] = pub
	return true
}

// TakeReceived returns and forgets the QoS 2 PUBLISH held for id.
func (c *Client) TakeReceived(id uint16) (*packet.PublishPacketPayloads, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pub, ok := c.received[id]
	if ok {
		delete(c.received, id)
	}
	return pub, ok
}

// Persisted is a disconnected non-clean session.
type Persisted struct {
	ID        string
	Registry  *subscription.Registry
	Queue     *queue.Queue
	PacketIDs *queue.PacketIDs
	LastSeen  time.Time
	Connected bool

	dirty atomic.Bool
}

// MarkDirty flags the session for the next flush to the repository.
func (p *Persisted) MarkDirty() {
	p.dirty.Store(true)
}
