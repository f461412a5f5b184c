package netstack

import (
	"fmt"
	"net"
	"sync"
)

// Listener accepts inbound virtual TCP connections on a fixed port. The
// fetch path never listens; this exists for loopback testing and symmetric
// deployments.
type Listener struct {
	stack *Stack
	port  uint16

	acceptQueue chan *TCPConn
	closed      chan struct{}
	closeOnce   sync.Once
}

func newListener(s *Stack, port uint16) *Listener {
	return &Listener{
		stack:       s,
		port:        port,
		acceptQueue: make(chan *TCPConn, 8),
		closed:      make(chan struct{}),
	}
}

// handleSYN admits a new connection attempt.
func (l *Listener) handleSYN(remote addr, seg *tcpSegment) {
	tuple := tcpTuple{remoteIP: remote, remotePort: seg.srcPort, localPort: l.port}

	l.stack.mu.Lock()
	if _, exists := l.stack.tcpConns[tuple]; exists {
		// Duplicate SYN for a connection already being set up.
		l.stack.mu.Unlock()
		return
	}
	conn := newTCPConn(l.stack, tuple)
	l.stack.tcpConns[tuple] = conn
	l.stack.mu.Unlock()

	conn.startAccept(seg)

	go func() {
		select {
		case <-conn.established:
			select {
			case l.acceptQueue <- conn:
			case <-l.closed:
				conn.abort(fmt.Errorf("listener closed"))
				conn.release()
			}
		case <-conn.dead:
			conn.release()
		}
	}()
}

// Accept returns the next established inbound connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.acceptQueue:
		return conn, nil
	case <-l.closed:
		return nil, fmt.Errorf("listener on port %d is closed", l.port)
	}
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IP(l.stack.localAddr[:]), Port: int(l.port)}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.stack.unregisterListener(l.port)
	})
	return nil
}

// Ensure Listener implements net.Listener
var _ net.Listener = (*Listener)(nil)
