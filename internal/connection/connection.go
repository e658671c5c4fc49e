// Package connection wraps a client socket with a buffered writer and the
// error classification shared by the engines.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 30 * time.Second

	// flushTimeout bounds how long Close waits for queued packets.
	flushTimeout = time.Second
)

var ErrSendQueueFull = errors.New("send queue full")

type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Connection is one accepted socket. Send queues packets for a single writer
// goroutine and never blocks on the peer.
type Connection struct {
	Conn   net.Conn
	ConnID string

	writeTimeout time.Duration
	outbound     chan []byte
	writerDone   chan struct{}

	mu     sync.Mutex
	closed bool
	broken atomic.Bool
}

func New(conn net.Conn) *Connection {
	return NewWithOptions(conn, Options{})
}

func NewWithOptions(conn net.Conn, opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	c := &Connection{
		Conn:         conn,
		ConnID:       conn.RemoteAddr().String(),
		writeTimeout: opts.WriteTimeout,
		outbound:     make(chan []byte, opts.QueueSize),
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues data as one unit. A full queue is reported as ErrSendQueueFull
// and the packet is dropped.
func (c *Connection) Send(data []byte) error {
	if c.broken.Load() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		logger.WarnF("[%s] Send queue full, dropping %d bytes", c.ConnID, len(data))
		return ErrSendQueueFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for data := range c.outbound {
		if c.broken.Load() {
			continue
		}
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := Send(c.Conn, data, c.ConnID); err != nil {
			// unblocks the reader so the handler tears the session down
			c.broken.Store(true)
			_ = c.Conn.Close()
		}
	}
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *Connection) Read(p []byte) (int, error) {
	return c.Conn.Read(p)
}

// Close flushes what is queued, waiting at most flushTimeout, and closes the
// socket. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.outbound)
	c.mu.Unlock()

	select {
	case <-c.writerDone:
	case <-time.After(flushTimeout):
		logger.WarnF("[%s] Pending writes not flushed before close", c.ConnID)
	}

	logger.DebugF("[%s] Connection closed", c.ConnID)
	err := c.Conn.Close()
	if err != nil && !IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.ConnID, err)
		return err
	}
	return nil
}

func (c *Connection) Closed() bool {
	if c.broken.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), IsNetClosedError(err):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
