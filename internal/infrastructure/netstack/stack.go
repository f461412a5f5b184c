package netstack

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// Link is the datagram layer under the stack: the encrypted tunnel session.
type Link interface {
	// SendDatagram transmits one IP datagram through the tunnel
	SendDatagram(p []byte) error

	// Datagrams is the stream of inbound IP datagrams; closed when the
	// link shuts down
	Datagrams() <-chan []byte
}

// tcpTuple demultiplexes TCP segments. The local address is fixed per
// stack, so it is not part of the key.
type tcpTuple struct {
	remoteIP   addr
	remotePort uint16
	localPort  uint16
}

// Stack multiplexes virtual TCP connections (and DNS lookups over UDP) onto
// a single tunnel link.
type Stack struct {
	localAddr addr
	link      Link
	logger    port.Logger
	dns       *Resolver

	mu        sync.Mutex
	tcpConns  map[tcpTuple]*TCPConn
	listeners map[uint16]*Listener
	udpConns  map[uint16]*udpConn

	nextPort atomic.Uint32
	ipIdent  atomic.Uint32

	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

// connectTimeout bounds a TCP connection attempt that gets no response.
const connectTimeout = 10 * time.Second

// NewStack creates a stack bound to the tunnel-assigned local address.
// dnsServer (host:port) is the resolver reached through the tunnel.
func NewStack(localAddr string, dnsServer string, link Link, logger port.Logger) (*Stack, error) {
	ip := net.ParseIP(localAddr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("local address %q is not an IPv4 address", localAddr)
	}

	s := &Stack{
		link:      link,
		logger:    logger,
		tcpConns:  make(map[tcpTuple]*TCPConn),
		listeners: make(map[uint16]*Listener),
		udpConns:  make(map[uint16]*udpConn),
		done:      make(chan struct{}),
	}
	copy(s.localAddr[:], ip.To4())
	s.nextPort.Store(32768 + rand.Uint32()%16384)
	s.dns = newResolver(s, dnsServer)
	return s, nil
}

// Start runs the demultiplex and retransmission loops.
func (s *Stack) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.demuxLoop()
	go s.retransmitLoop()
}

// Close tears down all virtual connections. The link itself is owned by the
// caller.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conns := make([]*TCPConn, 0, len(s.tcpConns))
		for _, c := range s.tcpConns {
			conns = append(conns, c)
		}
		listeners := make([]*Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.abort(fmt.Errorf("network stack closed"))
		}
		for _, l := range listeners {
			l.Close()
		}
	})
}

// LocalAddr returns the tunnel-assigned IPv4 address.
func (s *Stack) LocalAddr() string {
	return s.localAddr.String()
}

// DialContext opens a virtual TCP connection through the tunnel. The
// address host may be a name (resolved over the tunnel) or a literal IPv4
// address. Only "tcp" is supported.
func (s *Stack) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("network %q is not supported", network)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %v", address, err)
	}
	dstPort, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %v", portStr, err)
	}

	remoteIP, err := s.dns.LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}

	conn, err := s.newOutboundConn(remoteIP, uint16(dstPort))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-conn.established:
		return conn, nil
	case <-conn.dead:
		err := conn.connError()
		conn.release()
		if err == nil {
			err = fmt.Errorf("connection failed")
		}
		return nil, model.WrapProxyError(model.ErrNetworkUnavailable, err, "connect to %s failed", address)
	case <-ctx.Done():
		conn.abort(ctx.Err())
		conn.release()
		return nil, ctx.Err()
	case <-timer.C:
		conn.abort(fmt.Errorf("connect timeout"))
		conn.release()
		return nil, model.NewProxyError(model.ErrConnectTimeout, "no response from %s within %s", address, connectTimeout)
	}
}

// newOutboundConn allocates an ephemeral port, registers the connection and
// sends the initial SYN.
func (s *Stack) newOutboundConn(remoteIP addr, remotePort uint16) (*TCPConn, error) {
	s.mu.Lock()
	var tuple tcpTuple
	for i := 0; i < 16384; i++ {
		p := uint16(s.nextPort.Add(1)%28000) + 32768
		tuple = tcpTuple{remoteIP: remoteIP, remotePort: remotePort, localPort: p}
		if _, used := s.tcpConns[tuple]; !used {
			break
		}
		tuple.localPort = 0
	}
	if tuple.localPort == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("no free local ports")
	}

	conn := newTCPConn(s, tuple)
	s.tcpConns[tuple] = conn
	s.mu.Unlock()

	conn.startConnect()
	return conn, nil
}

// Listen accepts inbound virtual connections on the given port.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.listeners[port]; used {
		return nil, fmt.Errorf("port %d is already listening", port)
	}
	l := newListener(s, port)
	s.listeners[port] = l
	return l, nil
}

// unregisterConn drops a connection from the demux table.
func (s *Stack) unregisterConn(tuple tcpTuple) {
	s.mu.Lock()
	delete(s.tcpConns, tuple)
	s.mu.Unlock()
}

// unregisterListener drops a listener.
func (s *Stack) unregisterListener(port uint16) {
	s.mu.Lock()
	delete(s.listeners, port)
	s.mu.Unlock()
}

// demuxLoop parses inbound datagrams and routes them to connections. The
// tunnel may deliver datagrams out of order or duplicated; the per
// connection state machines tolerate both.
func (s *Stack) demuxLoop() {
	for {
		select {
		case p, ok := <-s.link.Datagrams():
			if !ok {
				return
			}
			s.handleDatagram(p)
		case <-s.done:
			return
		}
	}
}

func (s *Stack) handleDatagram(p []byte) {
	src, dst, proto, payload, err := parseIPv4(p)
	if err != nil {
		s.logger.Debug("Dropping inbound datagram: %v", err)
		return
	}
	if dst != s.localAddr {
		s.logger.Debug("Dropping datagram for %s (local is %s)", dst, s.localAddr)
		return
	}

	switch proto {
	case protoTCP:
		s.handleTCP(src, dst, payload)
	case protoUDP:
		s.handleUDP(src, payload)
	default:
		s.logger.Debug("Dropping datagram with protocol %d", proto)
	}
}

func (s *Stack) handleTCP(src, dst addr, payload []byte) {
	seg, err := parseTCP(src, dst, payload)
	if err != nil {
		s.logger.Debug("Dropping TCP segment: %v", err)
		return
	}

	tuple := tcpTuple{remoteIP: src, remotePort: seg.srcPort, localPort: seg.dstPort}

	s.mu.Lock()
	conn := s.tcpConns[tuple]
	var listener *Listener
	if conn == nil {
		listener = s.listeners[seg.dstPort]
	}
	s.mu.Unlock()

	switch {
	case conn != nil:
		conn.deliver(seg)
	case listener != nil && seg.flags&flagSYN != 0 && seg.flags&flagACK == 0:
		listener.handleSYN(src, seg)
	case seg.flags&flagRST == 0:
		s.sendRST(src, seg)
	}
}

// sendRST answers a segment for which no connection exists.
func (s *Stack) sendRST(remote addr, seg *tcpSegment) {
	rst := &tcpSegment{
		srcPort: seg.dstPort,
		dstPort: seg.srcPort,
		flags:   flagRST | flagACK,
		ack:     seg.seq + seg.seqLen(),
	}
	if seg.flags&flagACK != 0 {
		rst.seq = seg.ack
		rst.flags = flagRST
	}
	s.sendTCP(remote, rst)
}

// sendTCP serializes and transmits a segment.
func (s *Stack) sendTCP(remote addr, seg *tcpSegment) error {
	payload := marshalTCP(s.localAddr, remote, seg)
	p := marshalIPv4(s.localAddr, remote, protoTCP, uint16(s.ipIdent.Add(1)), payload)
	return s.link.SendDatagram(p)
}

// retransmitLoop drives per-connection retransmission timers.
func (s *Stack) retransmitLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			conns := make([]*TCPConn, 0, len(s.tcpConns))
			for _, c := range s.tcpConns {
				conns = append(conns, c)
			}
			s.mu.Unlock()

			for _, c := range conns {
				c.tick(now)
			}
		case <-s.done:
			return
		}
	}
}

// Ensure Stack implements port.StreamDialer
var _ port.StreamDialer = (*Stack)(nil)
