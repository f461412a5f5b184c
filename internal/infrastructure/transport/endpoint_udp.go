package transport

import (
	"fmt"
	"net"

	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// UDPEndpoint carries tunnel datagrams over a connected UDP socket.
type UDPEndpoint struct {
	conn *net.UDPConn
	addr string
}

// DialUDP resolves and connects to the relay endpoint (host:port).
func DialUDP(endpoint string) (*UDPEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint %q: %v", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %v", endpoint, err)
	}
	return &UDPEndpoint{conn: conn, addr: endpoint}, nil
}

// Send transmits one datagram to the relay.
func (e *UDPEndpoint) Send(p []byte) error {
	_, err := e.conn.Write(p)
	return err
}

// Receive blocks until the next datagram arrives.
func (e *UDPEndpoint) Receive() ([]byte, error) {
	buf := make([]byte, maxDatagramSize)
	n, err := e.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RemoteDescription returns the relay address.
func (e *UDPEndpoint) RemoteDescription() string {
	return "udp://" + e.addr
}

// Close releases the socket.
func (e *UDPEndpoint) Close() error {
	return e.conn.Close()
}

// Ensure UDPEndpoint implements port.DatagramEndpoint
var _ port.DatagramEndpoint = (*UDPEndpoint)(nil)
