// Package broker accepts MQTT connections and bridges their publishes and
// subscriptions to the state store.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/binding"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/transport"
)

// Broker owns its session tables, topic bindings and listeners. Its mutex
// only guards listener and connection bookkeeping and is never held across
// store calls or socket writes.
type Broker struct {
	opts     Options
	store    store.Store
	codec    *topic.Codec
	resolver *binding.Resolver
	sessions *session.Manager
	clock    clockwork.Clock
	origin   string
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	listeners   []transport.Listener
	conns       map[*connection.Connection]struct{}
	stopChanges func()
	wg          sync.WaitGroup
	closed      atomic.Bool
	statusMu    sync.Mutex
}

func New(opts Options, st store.Store, repo database.SessionRepository, clock clockwork.Clock) *Broker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = connectTimeout
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = config.DefaultMaxPacketSize
	}
	codec := topic.NewCodec(opts.Prefix, opts.Namespace)
	opts.Session.Compile = codec.CompileVariants

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		opts:     opts,
		store:    st,
		codec:    codec,
		resolver: binding.NewResolver(st, codec, opts.Namespace),
		sessions: session.NewManager(opts.Session, repo, clock),
		clock:    clock,
		origin:   opts.Namespace,
		sem:      make(chan struct{}, opts.MaxConnections),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*connection.Connection]struct{}),
	}
	b.sessions.SetResender(b.resend)
	return b
}

func (b *Broker) Sessions() *session.Manager {
	return b.sessions
}

// Start restores persisted sessions, subscribes to store changes and starts
// the retransmission sweep.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.sessions.Load(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	b.mu.Lock()
	b.stopChanges = b.store.OnChange(b.onStoreChange)
	b.mu.Unlock()
	b.sessions.Start()
	b.updateConnectionStatus(ctx)
	return nil
}

// Serve accepts connections from ln until it is closed. An accept failure
// other than a closed listener is returned.
func (b *Broker) Serve(ln transport.Listener) error {
	b.mu.Lock()
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.ErrorF("Accept connection error: %v", err)
				continue
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		b.sem <- struct{}{}
		b.wg.Add(1)
		go func(c net.Conn) {
			defer b.wg.Done()
			b.HandleConnection(c)
			<-b.sem
		}(conn)
	}
}

// HandleConnection runs one client connection to completion.
func (b *Broker) HandleConnection(conn net.Conn) {
	c := connection.NewWithOptions(conn, connection.Options{
		QueueSize:    b.opts.SendQueueSize,
		WriteTimeout: b.opts.WriteTimeout,
	})
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		_ = c.Close()
		return
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	h := &connectionHandler{broker: b, conn: c, connId: c.ConnID}
	h.handleConnection()
}

// Close stops accepting, drops every connection and stops the sweep.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	listeners := b.listeners
	conns := make([]*connection.Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	stop := b.stopChanges
	b.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	b.wg.Wait()
	b.sessions.Stop()
	if stop != nil {
		stop()
	}
	b.cancel()
	logger.Info("MQTT broker stopped")
	return errors.Join(errs...)
}

// Invoke lets the broker be registered with the shutdown cleaner.
func (b *Broker) Invoke(_ context.Context) error {
	return b.Close()
}
