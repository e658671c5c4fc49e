package connection

import (
	"net"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

// Sender is the write side of a client connection.
type Sender interface {
	Send(data []byte) error
	Close() error
}

var _ Sender = (*Connection)(nil)

// Send writes data to conn until all bytes are out.
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
