package netstack

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

const udpHeaderSize = 8

// udpConn is a minimal connected UDP socket used for DNS lookups over the
// tunnel.
type udpConn struct {
	stack      *Stack
	localPort  uint16
	remoteIP   addr
	remotePort uint16

	recv      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// dialUDP allocates an ephemeral port bound to one remote address.
func (s *Stack) dialUDP(remoteIP addr, remotePort uint16) (*udpConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var localPort uint16
	for i := 0; i < 16384; i++ {
		p := uint16(s.nextPort.Add(1)%28000) + 32768
		if _, used := s.udpConns[p]; !used {
			localPort = p
			break
		}
	}
	if localPort == 0 {
		return nil, fmt.Errorf("no free local ports")
	}

	conn := &udpConn{
		stack:      s,
		localPort:  localPort,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		recv:       make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
	s.udpConns[localPort] = conn
	return conn, nil
}

// handleUDP routes an inbound UDP datagram to its socket.
func (s *Stack) handleUDP(src addr, payload []byte) {
	if len(payload) < udpHeaderSize {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := int(binary.BigEndian.Uint16(payload[4:6]))
	if length < udpHeaderSize || length > len(payload) {
		return
	}

	// Zero means the sender did not compute a checksum, which IPv4 permits.
	if binary.BigEndian.Uint16(payload[6:8]) != 0 {
		sum := pseudoHeaderSum(src, s.localAddr, protoUDP, length)
		if foldChecksum(checksum(sum, payload[:length])) != 0 {
			s.logger.Debug("Dropping UDP datagram with bad checksum from %s:%d", src, srcPort)
			return
		}
	}

	s.mu.Lock()
	conn := s.udpConns[dstPort]
	s.mu.Unlock()

	if conn == nil || conn.remoteIP != src || conn.remotePort != srcPort {
		return
	}

	data := append([]byte(nil), payload[udpHeaderSize:length]...)
	select {
	case conn.recv <- data:
	default:
		s.logger.Debug("UDP receive queue full on port %d, dropping", dstPort)
	}
}

// send transmits one datagram to the connected remote.
func (c *udpConn) send(payload []byte) error {
	p := make([]byte, udpHeaderSize+len(payload))
	binary.BigEndian.PutUint16(p[0:2], c.localPort)
	binary.BigEndian.PutUint16(p[2:4], c.remotePort)
	binary.BigEndian.PutUint16(p[4:6], uint16(len(p)))
	copy(p[udpHeaderSize:], payload)

	sum := pseudoHeaderSum(c.stack.localAddr, c.remoteIP, protoUDP, len(p))
	cs := foldChecksum(checksum(sum, p))
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(p[6:8], cs)

	datagram := marshalIPv4(c.stack.localAddr, c.remoteIP, protoUDP, uint16(c.stack.ipIdent.Add(1)), p)
	return c.stack.link.SendDatagram(datagram)
}

// receive waits for the next datagram or context cancellation.
func (c *udpConn) receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *udpConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stack.mu.Lock()
		delete(c.stack.udpConns, c.localPort)
		c.stack.mu.Unlock()
	})
}
