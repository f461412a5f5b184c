package transport

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// WSEndpoint carries tunnel datagrams as websocket binary messages, for
// networks where UDP to the relay is blocked.
type WSEndpoint struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	endpoint  string
	closeOnce sync.Once
}

// DialWebSocket connects to a ws:// or wss:// relay endpoint.
func DialWebSocket(endpoint string) (*WSEndpoint, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint %q: %v", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay endpoint %q is not a websocket URL", endpoint)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %v", endpoint, err)
	}

	return &WSEndpoint{conn: conn, endpoint: endpoint}, nil
}

// Send transmits one datagram as a binary message. Writes are serialized;
// gorilla/websocket allows only one concurrent writer.
func (e *WSEndpoint) Send(p []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.BinaryMessage, p)
}

// Receive blocks until the next binary message arrives. Non-binary messages
// are skipped.
func (e *WSEndpoint) Receive() ([]byte, error) {
	for {
		msgType, data, err := e.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// RemoteDescription returns the relay URL.
func (e *WSEndpoint) RemoteDescription() string {
	return e.endpoint
}

// Close closes the websocket connection.
func (e *WSEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}

// Ensure WSEndpoint implements port.DatagramEndpoint
var _ port.DatagramEndpoint = (*WSEndpoint)(nil)
