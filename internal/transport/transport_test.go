package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOnce(t *testing.T, ln Listener, dial func() (io.ReadWriteCloser, error)) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if hs, ok := conn.(interface{ Handshake() error }); ok {
			_ = hs.Handshake()
		}
		accepted <- conn
	}()

	client, err := dial()
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	_, err = client.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf)

	_, err = server.Write([]byte{0xD0, 0x00})
	require.NoError(t, err)
}

func TestTCPListener(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	echoOnce(t, ln, func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", ln.Addr().String())
	})
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestTLSListener(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	config, err := LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)

	ln, err := ListenTLS("127.0.0.1:0", config)
	require.NoError(t, err)
	defer ln.Close()

	echoOnce(t, ln, func() (io.ReadWriteCloser, error) {
		return tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	})

	_, err = LoadTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), keyFile)
	assert.Error(t, err)
}

// wsStream exposes a client WebSocket as a byte stream for the test.
type wsStream struct {
	ws *websocket.Conn
}

func (s wsStream) Write(p []byte) (int, error) {
	return len(p), s.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (s wsStream) Read(p []byte) (int, error) {
	_, data, err := s.ws.ReadMessage()
	return copy(p, data), err
}

func (s wsStream) Close() error {
	return s.ws.Close()
}

func TestWebSocketListener(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", "", nil)
	require.NoError(t, err)
	defer ln.Close()

	echoOnce(t, ln, func() (io.ReadWriteCloser, error) {
		dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
		ws, _, err := dialer.Dial("ws://"+ln.Addr().String()+DefaultWebSocketPath, nil)
		if err != nil {
			return nil, err
		}
		return wsStream{ws: ws}, nil
	})

	require.NoError(t, ln.Close())
	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestWebSocketReadSpansFrames(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", "/ws", nil)
	require.NoError(t, err)
	defer ln.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x30, 0x03}))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 'a'}))

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x03, 0x00, 0x01, 'a'}, buf)
}
