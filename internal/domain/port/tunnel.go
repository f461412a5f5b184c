package port

import (
	"context"
	"net"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
)

// DatagramEndpoint is a connected, message-oriented carrier to the relay.
// Implementations exist for UDP and websocket transports.
type DatagramEndpoint interface {
	// Send transmits one datagram to the relay
	Send(p []byte) error

	// Receive blocks until the next datagram arrives or the endpoint is
	// closed
	Receive() ([]byte, error)

	// RemoteDescription returns a printable form of the relay endpoint
	RemoteDescription() string

	// Close releases the underlying socket or connection
	Close() error
}

// StreamDialer opens connection-oriented byte streams. The virtual network
// stack implements this on top of the tunnel; the HTTP client consumes it.
type StreamDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Tunnel is an established encrypted tunnel with a virtual network stack on
// top. Streams dialed through it egress at the relay.
type Tunnel interface {
	StreamDialer

	// Endpoint returns the relay endpoint this tunnel is connected to
	Endpoint() string

	// Established reports whether the tunnel session currently holds valid
	// transport keys
	Established() bool

	// Close tears down the session and all virtual connections
	Close() error
}

// TunnelFactory dials the relay and drives the handshake to Established.
type TunnelFactory interface {
	Establish(ctx context.Context, identity *model.Identity) (Tunnel, error)
}
