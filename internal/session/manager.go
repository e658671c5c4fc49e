package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/subscription"
)

var ErrNotAuthorized = errors.New("bad user name or password")

type Options struct {
	User               string
	Password           string
	Retention          time.Duration
	RetransmitInterval time.Duration
	RetransmitCount    int
	HighestQoS         bool
	// Compile rebuilds pattern matchers for restored subscriptions.
	Compile subscription.Compiler
}

// ResendFunc transmits due queue entries of a live client.
type ResendFunc func(c *Client, msgs []queue.PendingMessage)

// AttachInfo is what CONNECT tells the manager about a new connection.
type AttachInfo struct {
	ClientID  string
	Clean     bool
	KeepAlive time.Duration
	Will      *Will
}

// Manager owns the live and persisted session tables of one broker.
type Manager struct {
	opts  Options
	clock clockwork.Clock
	repo  database.SessionRepository
	sweep *scheduler.Task

	mu         sync.Mutex
	clients    map[string]*Client
	persisted  map[string]*Persisted
	generation uint64
	resend     ResendFunc
}

func NewManager(opts Options, repo database.SessionRepository, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if repo == nil {
		repo = database.NewMemoryStore()
	}
	m := &Manager{
		opts:      opts,
		clock:     clock,
		repo:      repo,
		clients:   make(map[string]*Client),
		persisted: make(map[string]*Persisted),
	}
	m.sweep = scheduler.NewTask("session sweep", clock, opts.RetransmitInterval, m.Sweep)
	return m
}

// SetResender installs the function used by the sweep to retransmit.
func (m *Manager) SetResender(fn ResendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resend = fn
}

func (m *Manager) Start() {
	if m.opts.RetransmitInterval > 0 {
		m.sweep.Start()
	}
}

func (m *Manager) Stop() {
	m.sweep.Stop()
}

// Authenticate checks credentials when the broker requires them.
func (m *Manager) Authenticate(user, password string) error {
	if m.opts.User == "" {
		return nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(m.opts.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.opts.Password)) == 1
	if !userOK || !passOK {
		return ErrNotAuthorized
	}
	return nil
}

// Attach registers a connection under info.ClientID. A clean session drops any
// persisted state; otherwise the persisted session, or the session of a
// displaced live connection, is resumed and its queue flagged for redelivery.
// The displaced connection, if any, is returned for the caller to close.
func (m *Manager) Attach(ctx context.Context, info AttachInfo, conn connection.Sender) (client *Client, sessionPresent bool, displaced *Client) {
	m.mu.Lock()
	m.generation++
	client = &Client{
		ID:         info.ClientID,
		Generation: m.generation,
		Conn:       conn,
		KeepAlive:  info.KeepAlive,
		Clean:      info.Clean,
		will:       info.Will,
		received:   make(map[uint16]*packet.PublishPacketPayloads),
	}
	client.SetState(StateAuthenticated)

	displaced = m.clients[info.ClientID]
	persisted, hadPersisted := m.persisted[info.ClientID]
	delete(m.persisted, info.ClientID)

	switch {
	case info.Clean:
	case hadPersisted:
		client.Registry = persisted.Registry
		client.Queue = persisted.Queue
		client.PacketIDs = persisted.PacketIDs
		sessionPresent = true
	case displaced != nil && !displaced.Clean:
		client.Registry = displaced.Registry
		client.Queue = displaced.Queue
		client.PacketIDs = displaced.PacketIDs
		sessionPresent = true
	}
	if client.Registry == nil {
		client.Registry = subscription.NewRegistry(m.opts.HighestQoS)
		client.Queue = queue.New()
		client.PacketIDs = queue.NewPacketIDs()
	}
	if sessionPresent {
		client.Queue.MarkDuplicate()
	}
	m.clients[info.ClientID] = client
	m.mu.Unlock()

	if displaced != nil {
		displaced.SetState(StateClosing)
		logger.WarnF("[%s] Client connected again, closing previous connection", info.ClientID)
	}
	if info.Clean || hadPersisted {
		if err := m.repo.DeleteSession(ctx, info.ClientID); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
			logger.WarnF("[%s] Cannot delete persisted session: %v", info.ClientID, err)
		}
	}
	client.SetState(StateActive)
	return client, sessionPresent, displaced
}

// IsCurrent reports whether c is still the live connection for its id.
func (m *Manager) IsCurrent(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.clients[c.ID]
	return ok && cur.Generation == c.Generation
}

// Detach removes c. A stale generation leaves the live connection alone and
// reports current=false. An abnormal close returns the will once. A non-clean
// session moves into the persisted table.
func (m *Manager) Detach(ctx context.Context, c *Client, graceful bool) (will *Will, current bool) {
	m.mu.Lock()
	cur, ok := m.clients[c.ID]
	if !ok || cur.Generation != c.Generation {
		m.mu.Unlock()
		c.SetState(StateClosed)
		logger.DebugF("[%s] Stale connection generation %d closed", c.ID, c.Generation)
		return nil, false
	}
	c.SetState(StateClosing)
	delete(m.clients, c.ID)

	var p *Persisted
	if !c.Clean {
		p = &Persisted{
			ID:        c.ID,
			Registry:  c.Registry,
			Queue:     c.Queue,
			PacketIDs: c.PacketIDs,
			LastSeen:  m.clock.Now(),
		}
		m.persisted[c.ID] = p
	}
	m.mu.Unlock()

	if graceful {
		c.takeWill()
	} else {
		will = c.takeWill()
	}
	if p != nil {
		m.save(ctx, p)
	}
	c.SetState(StateClosed)
	return will, true
}

func (m *Manager) save(ctx context.Context, p *Persisted) {
	p.dirty.Store(false)
	data := &database.SessionData{
		ClientID:      p.ID,
		Subscriptions: p.Registry.Snapshot(),
		Queue:         p.Queue.All(),
		LastSeen:      p.LastSeen,
	}
	if err := m.repo.SaveSession(ctx, data); err != nil {
		logger.ErrorF("[%s] Cannot persist session: %v", p.ID, err)
		p.dirty.Store(true)
	}
}

func (m *Manager) Current(clientID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	return c, ok
}

// Clients returns the live clients.
func (m *Manager) Clients() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

// PersistedSessions returns the disconnected sessions.
func (m *Manager) PersistedSessions() []*Persisted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Persisted, 0, len(m.persisted))
	for _, p := range m.persisted {
		sessions = append(sessions, p)
	}
	return sessions
}

// ConnectedIDs lists live client ids in order.
func (m *Manager) ConnectedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load restores persisted sessions from the repository, skipping those past
// the retention window.
func (m *Manager) Load(ctx context.Context) error {
	sessions, err := m.repo.ListSessions(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	restored := 0
	for _, data := range sessions {
		if m.expired(data.LastSeen, now) {
			if err := m.repo.DeleteSession(ctx, data.ClientID); err != nil {
				logger.WarnF("[%s] Cannot delete expired session: %v", data.ClientID, err)
			}
			continue
		}
		registry := subscription.NewRegistry(m.opts.HighestQoS)
		if m.opts.Compile != nil {
			if err := registry.Restore(data.Subscriptions, m.opts.Compile); err != nil {
				logger.WarnF("[%s] Some subscriptions could not be restored: %v", data.ClientID, err)
			}
		}
		ids := queue.NewPacketIDs()
		for _, msg := range data.Queue {
			ids.Reserve(msg.MessageID)
		}
		m.mu.Lock()
		if _, live := m.clients[data.ClientID]; !live {
			m.persisted[data.ClientID] = &Persisted{
				ID:        data.ClientID,
				Registry:  registry,
				Queue:     queue.Restore(data.Queue),
				PacketIDs: ids,
				LastSeen:  data.LastSeen,
			}
			restored++
		}
		m.mu.Unlock()
	}
	logger.InfoF("Restored %d persisted sessions", restored)
	return nil
}

func (m *Manager) expired(lastSeen, now time.Time) bool {
	return m.opts.Retention > 0 && now.Sub(lastSeen) > m.opts.Retention
}

// Sweep retransmits due messages of live clients, evicts messages over the
// retry ceiling, purges expired persisted sessions and ages out their queues.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	resend := m.resend
	m.mu.Unlock()

	for _, c := range m.Clients() {
		due, dropped := c.Queue.DrainDue(now, m.opts.RetransmitInterval, m.opts.RetransmitCount)
		for _, msg := range dropped {
			logger.WarnF("[%s] Message %d on %s not acknowledged after %d attempts, dropped",
				c.ID, msg.MessageID, msg.Topic, msg.Attempts)
			c.PacketIDs.ReleaseID(msg.MessageID)
		}
		if len(due) > 0 && resend != nil {
			resend(c, due)
		}
	}

	for _, p := range m.PersistedSessions() {
		if m.expired(p.LastSeen, now) {
			m.mu.Lock()
			if m.persisted[p.ID] == p {
				delete(m.persisted, p.ID)
			}
			m.mu.Unlock()
			logger.InfoF("[%s] Persisted session expired", p.ID)
			if err := m.repo.DeleteSession(ctx, p.ID); err != nil {
				logger.WarnF("[%s] Cannot delete expired session: %v", p.ID, err)
			}
			continue
		}
		if m.opts.Retention > 0 {
			for _, msg := range p.Queue.DropOlderThan(now.Add(-m.opts.Retention)) {
				p.PacketIDs.ReleaseID(msg.MessageID)
				p.MarkDirty()
			}
		}
		if p.dirty.Load() {
			m.save(ctx, p)
		}
	}
}
