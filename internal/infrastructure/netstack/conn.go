package netstack

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// TCP connection states. TIME-WAIT is skipped: the tunnel carries no other
// traffic that could collide with a reused tuple.
type tcpState int

const (
	tcpSynSent tcpState = iota
	tcpSynReceived
	tcpEstablished
	tcpFinWait1
	tcpFinWait2
	tcpCloseWait
	tcpLastAck
	tcpClosed
)

const (
	defaultMSS   = 1360
	recvWindow   = 60 * 1024
	maxInFlight  = 64 * 1024
	maxOOO       = 64
	rtoInitial   = 500 * time.Millisecond
	rtoMax       = 4 * time.Second
	maxRetries   = 6
	finLinger    = 2 * time.Second

	// How often a sender blocked on a zero peer window asks for a window
	// update. Covers a lost update ACK from the receiver.
	persistInterval = time.Second
)

// sentSegment is an unacknowledged outbound segment awaiting acknowledgment
// or retransmission.
type sentSegment struct {
	seq      uint32
	flags    uint8
	payload  []byte
	lastSent time.Time
	rto      time.Duration
	retries  int
}

// TCPConn is one virtual TCP connection. It implements net.Conn.
type TCPConn struct {
	stack *Stack
	tuple tcpTuple

	mu    sync.Mutex
	state tcpState

	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to send
	rcvNxt uint32 // next expected inbound sequence number

	peerWindow uint32
	mss        int

	recvBuf    bytes.Buffer
	ooo        map[uint32][]byte
	unacked    []*sentSegment
	peerClosed bool
	err        error

	readDeadline  time.Time
	writeDeadline time.Time
	lastPersist   time.Time

	readSignal  chan struct{}
	writeSignal chan struct{}
	established chan struct{}
	dead        chan struct{}

	establishedOnce sync.Once
	deadOnce        sync.Once
	releaseOnce     sync.Once
}

func newTCPConn(s *Stack, tuple tcpTuple) *TCPConn {
	return &TCPConn{
		stack:       s,
		tuple:       tuple,
		state:       tcpSynSent,
		peerWindow:  recvWindow,
		mss:         defaultMSS,
		ooo:         make(map[uint32][]byte),
		readSignal:  make(chan struct{}, 1),
		writeSignal: make(chan struct{}, 1),
		established: make(chan struct{}),
		dead:        make(chan struct{}),
	}
}

// startConnect picks an initial sequence number and sends the SYN.
func (c *TCPConn) startConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	iss := rand.Uint32()
	c.sndUna = iss
	c.sndNxt = iss + 1
	c.queueSegmentLocked(&sentSegment{
		seq:   iss,
		flags: flagSYN,
		rto:   rtoInitial,
	})
}

// startAccept initializes the server side of a connection from a received
// SYN and sends the SYN-ACK.
func (c *TCPConn) startAccept(seg *tcpSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = tcpSynReceived
	c.rcvNxt = seg.seq + 1
	if seg.mss > 0 && int(seg.mss) < c.mss {
		c.mss = int(seg.mss)
	}
	c.peerWindow = uint32(seg.window)

	iss := rand.Uint32()
	c.sndUna = iss
	c.sndNxt = iss + 1
	c.queueSegmentLocked(&sentSegment{
		seq:   iss,
		flags: flagSYN | flagACK,
		rto:   rtoInitial,
	})
}

// queueSegmentLocked records a segment for retransmission and sends it.
func (c *TCPConn) queueSegmentLocked(seg *sentSegment) {
	seg.lastSent = time.Now()
	c.unacked = append(c.unacked, seg)
	c.transmitLocked(seg)
}

// transmitLocked serializes and sends one segment with the current ack and
// window.
func (c *TCPConn) transmitLocked(seg *sentSegment) {
	out := &tcpSegment{
		srcPort: c.tuple.localPort,
		dstPort: c.tuple.remotePort,
		seq:     seg.seq,
		flags:   seg.flags,
		window:  c.recvWindowLocked(),
		payload: seg.payload,
	}
	if seg.flags&flagSYN != 0 {
		out.mss = defaultMSS
	}
	// Everything after the initial SYN acknowledges inbound data.
	if seg.flags != flagSYN {
		out.flags |= flagACK
		out.ack = c.rcvNxt
	}
	if err := c.stack.sendTCP(c.tuple.remoteIP, out); err != nil {
		c.stack.logger.Debug("Send on %s:%d failed: %v", c.tuple.remoteIP, c.tuple.remotePort, err)
	}
}

// sendACKLocked sends a bare acknowledgment.
func (c *TCPConn) sendACKLocked() {
	out := &tcpSegment{
		srcPort: c.tuple.localPort,
		dstPort: c.tuple.remotePort,
		seq:     c.sndNxt,
		ack:     c.rcvNxt,
		flags:   flagACK,
		window:  c.recvWindowLocked(),
	}
	if err := c.stack.sendTCP(c.tuple.remoteIP, out); err != nil {
		c.stack.logger.Debug("ACK on %s:%d failed: %v", c.tuple.remoteIP, c.tuple.remotePort, err)
	}
}

func (c *TCPConn) recvWindowLocked() uint16 {
	free := recvWindow - c.recvBuf.Len()
	if free < 0 {
		free = 0
	}
	return uint16(free)
}

// deliver processes one inbound segment. Duplicates and out-of-order
// arrivals are tolerated without corrupting stream order.
func (c *TCPConn) deliver(seg *tcpSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == tcpClosed {
		return
	}

	if seg.flags&flagRST != 0 {
		c.failLocked(fmt.Errorf("connection reset by peer"))
		return
	}

	switch c.state {
	case tcpSynSent:
		if seg.flags&(flagSYN|flagACK) != flagSYN|flagACK || seg.ack != c.sndNxt {
			return
		}
		c.rcvNxt = seg.seq + 1
		if seg.mss > 0 && int(seg.mss) < c.mss {
			c.mss = int(seg.mss)
		}
		c.ackLocked(seg.ack)
		c.peerWindow = uint32(seg.window)
		c.state = tcpEstablished
		c.sendACKLocked()
		c.establishedOnce.Do(func() { close(c.established) })
		return

	case tcpSynReceived:
		if seg.flags&flagACK != 0 && seg.ack == c.sndNxt {
			c.ackLocked(seg.ack)
			c.state = tcpEstablished
			c.establishedOnce.Do(func() { close(c.established) })
		}
		// fall through to data processing for segments carrying payload
	}

	if seg.flags&flagACK != 0 {
		c.ackLocked(seg.ack)
		// A pure window update carries no new ack, so ackLocked alone
		// would leave a blocked writer asleep.
		if uint32(seg.window) > c.peerWindow {
			signal(c.writeSignal)
		}
		c.peerWindow = uint32(seg.window)
	}

	c.receiveDataLocked(seg)
	c.advanceCloseLocked()
}

// ackLocked advances the send window and drops acknowledged segments.
func (c *TCPConn) ackLocked(ack uint32) {
	if !seqLess(c.sndUna, ack) || !seqLEq(ack, c.sndNxt) {
		return
	}
	c.sndUna = ack
	kept := c.unacked[:0]
	for _, seg := range c.unacked {
		end := seg.seq + uint32(len(seg.payload))
		if seg.flags&(flagSYN|flagFIN) != 0 {
			end++
		}
		if seqLess(ack, end) {
			kept = append(kept, seg)
		}
	}
	c.unacked = kept
	signal(c.writeSignal)
}

// receiveDataLocked reassembles inbound payload (and FIN) in order.
func (c *TCPConn) receiveDataLocked(seg *tcpSegment) {
	if len(seg.payload) == 0 && seg.flags&flagFIN == 0 {
		// A bare segment below rcvNxt is asking for a window update;
		// answer with the current window so the sender can resume.
		if seqLess(seg.seq, c.rcvNxt) {
			c.sendACKLocked()
		}
		return
	}

	seq := seg.seq
	payload := seg.payload

	// Trim any prefix we already consumed (duplicate or overlapping
	// retransmission).
	if seqLess(seq, c.rcvNxt) {
		skip := c.rcvNxt - seq
		if uint32(len(payload)) <= skip {
			if seg.flags&flagFIN == 0 || seqLess(seg.seq+seg.seqLen(), c.rcvNxt) {
				c.sendACKLocked() // duplicate, re-ack
				return
			}
			payload = nil
		} else {
			payload = payload[skip:]
		}
		seq = c.rcvNxt
	}

	if seq != c.rcvNxt {
		// Out of order: stash and ask for what we need.
		if len(c.ooo) < maxOOO && len(payload) > 0 {
			if _, dup := c.ooo[seq]; !dup {
				c.ooo[seq] = append([]byte(nil), payload...)
			}
		}
		c.sendACKLocked()
		return
	}

	if len(payload) > 0 {
		c.recvBuf.Write(payload)
		c.rcvNxt += uint32(len(payload))
	}

	// Drain any stashed segments that are now contiguous.
	for {
		data, ok := c.ooo[c.rcvNxt]
		if !ok {
			break
		}
		delete(c.ooo, c.rcvNxt)
		c.recvBuf.Write(data)
		c.rcvNxt += uint32(len(data))
	}

	if seg.flags&flagFIN != 0 {
		finSeq := seg.seq + uint32(len(seg.payload))
		if finSeq == c.rcvNxt {
			c.rcvNxt++
			c.peerClosed = true
			switch c.state {
			case tcpEstablished, tcpSynReceived:
				c.state = tcpCloseWait
			case tcpFinWait1, tcpFinWait2:
				// advanceCloseLocked finishes the teardown
			}
		}
	}

	c.sendACKLocked()
	signal(c.readSignal)
}

// advanceCloseLocked progresses the teardown state machine once our FIN has
// been acknowledged or the peer's FIN has arrived.
func (c *TCPConn) advanceCloseLocked() {
	finAcked := len(c.unacked) == 0 && c.sndUna == c.sndNxt

	switch c.state {
	case tcpFinWait1:
		if finAcked {
			c.state = tcpFinWait2
		}
		if c.peerClosed && finAcked {
			c.closeLocked(nil)
		}
	case tcpFinWait2:
		if c.peerClosed {
			c.closeLocked(nil)
		}
	case tcpLastAck:
		if finAcked {
			c.closeLocked(nil)
		}
	}
}

// tick retransmits timed-out segments; repeated failure aborts the
// connection.
func (c *TCPConn) tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == tcpClosed {
		return
	}

	for _, seg := range c.unacked {
		if now.Sub(seg.lastSent) < seg.rto {
			continue
		}
		seg.retries++
		if seg.retries > maxRetries {
			c.failLocked(fmt.Errorf("no acknowledgment after %d retransmissions", maxRetries))
			return
		}
		seg.rto *= 2
		if seg.rto > rtoMax {
			seg.rto = rtoMax
		}
		seg.lastSent = now
		c.transmitLocked(seg)
	}

	// Persist timer: everything sent is acked but the peer advertised no
	// room. Send a stale-sequence ACK, which the peer answers with its
	// current window.
	if len(c.unacked) == 0 && c.peerWindow == 0 &&
		(c.state == tcpEstablished || c.state == tcpCloseWait) &&
		now.Sub(c.lastPersist) >= persistInterval {
		c.lastPersist = now
		out := &tcpSegment{
			srcPort: c.tuple.localPort,
			dstPort: c.tuple.remotePort,
			seq:     c.sndNxt - 1,
			ack:     c.rcvNxt,
			flags:   flagACK,
			window:  c.recvWindowLocked(),
		}
		if err := c.stack.sendTCP(c.tuple.remoteIP, out); err != nil {
			c.stack.logger.Debug("Window update request on %s:%d failed: %v", c.tuple.remoteIP, c.tuple.remotePort, err)
		}
	}
}

// Read implements net.Conn. It blocks until data is available, the peer
// closes, an error occurs or the read deadline passes.
func (c *TCPConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.recvBuf.Len() > 0 {
			before := c.recvWindowLocked()
			n, _ := c.recvBuf.Read(b)
			// Reopening the window after the buffer filled up must be
			// announced, or the peer stays blocked on a zero window.
			if before < uint16(c.mss) && c.recvWindowLocked() >= uint16(c.mss) && c.state != tcpClosed {
				c.sendACKLocked()
			}
			c.mu.Unlock()
			return n, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		if c.peerClosed || c.state == tcpClosed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		if err := waitSignal(c.readSignal, c.dead, deadline); err != nil {
			return 0, err
		}
	}
}

// Write implements net.Conn. Data is segmented to the connection MSS and
// paced by the in-flight limit and the peer window.
func (c *TCPConn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return total, err
		}
		if c.state != tcpEstablished && c.state != tcpCloseWait {
			c.mu.Unlock()
			return total, fmt.Errorf("connection is not open for writing")
		}

		inFlight := int(c.sndNxt - c.sndUna)
		limit := maxInFlight
		if int(c.peerWindow) < limit {
			limit = int(c.peerWindow)
		}
		space := limit - inFlight
		if space <= 0 {
			deadline := c.writeDeadline
			c.mu.Unlock()
			if err := waitSignal(c.writeSignal, c.dead, deadline); err != nil {
				return total, err
			}
			continue
		}

		n := len(b)
		if n > space {
			n = space
		}
		if n > c.mss {
			n = c.mss
		}

		seg := &sentSegment{
			seq:     c.sndNxt,
			flags:   flagPSH,
			payload: append([]byte(nil), b[:n]...),
			rto:     rtoInitial,
		}
		c.sndNxt += uint32(n)
		c.queueSegmentLocked(seg)
		c.mu.Unlock()

		b = b[n:]
		total += n
	}
	return total, nil
}

// Close sends a FIN after all queued data and releases the connection once
// the teardown completes (or after a short linger).
func (c *TCPConn) Close() error {
	c.mu.Lock()
	switch c.state {
	case tcpClosed:
		c.mu.Unlock()
		c.release()
		return nil
	case tcpSynSent, tcpSynReceived:
		c.failLocked(fmt.Errorf("connection closed"))
		c.mu.Unlock()
		c.release()
		return nil
	case tcpEstablished:
		c.state = tcpFinWait1
	case tcpCloseWait:
		c.state = tcpLastAck
	case tcpFinWait1, tcpFinWait2, tcpLastAck:
		c.mu.Unlock()
		return nil
	}
	c.queueSegmentLocked(&sentSegment{
		seq:   c.sndNxt,
		flags: flagFIN,
		rto:   rtoInitial,
	})
	c.sndNxt++
	c.mu.Unlock()

	// Wait briefly for the orderly close; abort if the peer is gone.
	select {
	case <-c.dead:
	case <-time.After(finLinger):
		c.abort(nil)
	}
	c.release()
	return nil
}

// abort resets the connection immediately.
func (c *TCPConn) abort(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == tcpClosed {
		return
	}
	rst := &tcpSegment{
		srcPort: c.tuple.localPort,
		dstPort: c.tuple.remotePort,
		seq:     c.sndNxt,
		ack:     c.rcvNxt,
		flags:   flagRST | flagACK,
	}
	if err := c.stack.sendTCP(c.tuple.remoteIP, rst); err != nil {
		c.stack.logger.Debug("RST on %s:%d failed: %v", c.tuple.remoteIP, c.tuple.remotePort, err)
	}
	c.closeLocked(reason)
}

// failLocked records the terminal error and closes.
func (c *TCPConn) failLocked(err error) {
	c.closeLocked(err)
}

func (c *TCPConn) closeLocked(err error) {
	if c.state == tcpClosed {
		return
	}
	c.state = tcpClosed
	if c.err == nil {
		c.err = err
	}
	c.unacked = nil
	c.deadOnce.Do(func() { close(c.dead) })
	signal(c.readSignal)
	signal(c.writeSignal)
	// Keep the demux entry until release so late retransmissions from the
	// peer do not trigger RSTs back and forth.
}

// release removes the connection from the stack demux table.
func (c *TCPConn) release() {
	c.releaseOnce.Do(func() {
		c.stack.unregisterConn(c.tuple)
	})
}

func (c *TCPConn) connError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LocalAddr implements net.Conn.
func (c *TCPConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.stack.localAddr[:]), Port: int(c.tuple.localPort)}
}

// RemoteAddr implements net.Conn.
func (c *TCPConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.tuple.remoteIP[:]), Port: int(c.tuple.remotePort)}
}

// SetDeadline implements net.Conn.
func (c *TCPConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	signal(c.readSignal)
	signal(c.writeSignal)
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *TCPConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	signal(c.readSignal)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *TCPConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	signal(c.writeSignal)
	return nil
}

// signal makes a non-blocking notification on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// waitSignal blocks until notified, the connection dies or the deadline
// passes.
func waitSignal(ch chan struct{}, dead chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		select {
		case <-ch:
			return nil
		case <-dead:
			return nil // caller re-examines state
		}
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return os.ErrDeadlineExceeded
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-dead:
		return nil
	case <-timer.C:
		return os.ErrDeadlineExceeded
	}
}

// Ensure TCPConn implements net.Conn
var _ net.Conn = (*TCPConn)(nil)
