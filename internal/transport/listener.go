// Package transport provides the byte-stream listeners the broker accepts
// connections from: plain TCP, TLS and MQTT over WebSocket.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

// Listener yields raw duplex streams. The broker depends on nothing else.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())
	return ln, nil
}

// LoadTLSConfig reads the certificate pair used by the secure listeners.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", certFile, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func ListenTLS(addr string, config *tls.Config) (Listener, error) {
	ln, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	logger.InfoF("MQTT Server Listen On %s (TLS)", ln.Addr().String())
	return ln, nil
}
