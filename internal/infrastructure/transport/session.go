package transport

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// SessionState is the lifecycle state of a tunnel session.
type SessionState int32

const (
	// SessionUninitialized means Start has not been called
	SessionUninitialized SessionState = iota
	// SessionHandshaking means the key exchange is in flight
	SessionHandshaking
	// SessionEstablished means transport keys are valid
	SessionEstablished
	// SessionFailed means the handshake did not complete in time
	SessionFailed
	// SessionClosed means the session was shut down
	SessionClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session timing defaults.
const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultRekeyInterval     = 2 * time.Minute

	// rekeyAfterMessages forces a rekey before nonce reuse becomes a risk
	rekeyAfterMessages = 1 << 16

	// deadPeerFactor: no inbound traffic for this many keepalive intervals
	// forces a fresh handshake
	deadPeerFactor = 3

	// replayWindowSize is the receive-side anti-replay window in packets
	replayWindowSize = 64

	maxDatagramSize = 65535
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Endpoint is the datagram carrier to the relay
	Endpoint port.DatagramEndpoint
	// LocalPrivate / LocalPublic are the installation's static keys
	LocalPrivate [32]byte
	LocalPublic  [32]byte
	// PeerPublic is the relay's static public key
	PeerPublic [32]byte
	// Initiator selects who speaks first; the client always initiates,
	// the responder role exists for tests and the relay side
	Initiator bool
	// Logger receives session diagnostics
	Logger port.Logger

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	RekeyInterval     time.Duration
}

// cipherState is the directional key material of an established session. It
// is only ever touched by the session's owner goroutine.
type cipherState struct {
	send        cipher.AEAD
	recv        cipher.AEAD
	sendCounter uint64
	localIndex  uint32
	remoteIndex uint32

	// receive-side anti-replay window
	recvMax    uint64
	recvBitmap uint64
}

// outRequest is an outbound datagram queued to the owner goroutine.
type outRequest struct {
	payload []byte
	done    chan error
}

// Session is an encrypted tunnel session. All cryptographic state is owned
// by a single goroutine; other components talk to it through channels, so
// keys are never shared across threads.
type Session struct {
	cfg    SessionConfig
	logger port.Logger

	state         atomic.Int32
	lastHandshake atomic.Int64
	lastInbound   atomic.Int64

	outbound chan *outRequest
	inbound  chan []byte
	rawIn    chan []byte

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session over the given endpoint. Call Start to run
// the handshake.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.RekeyInterval <= 0 {
		cfg.RekeyInterval = DefaultRekeyInterval
	}
	return &Session{
		cfg:      cfg,
		logger:   cfg.Logger,
		outbound: make(chan *outRequest),
		inbound:  make(chan []byte, 64),
		rawIn:    make(chan []byte, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Established reports whether transport keys are currently valid.
func (s *Session) Established() bool {
	return s.State() == SessionEstablished
}

// LastHandshake returns the completion time of the most recent handshake.
func (s *Session) LastHandshake() time.Time {
	n := s.lastHandshake.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs the handshake and, on success, the session loops. It blocks
// until the session is established or the handshake timeout expires.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(SessionUninitialized), int32(SessionHandshaking)) {
		return fmt.Errorf("session already started")
	}

	go s.readEndpoint()

	cs, err := s.handshake()
	if err != nil {
		s.state.Store(int32(SessionFailed))
		s.cfg.Endpoint.Close()
		close(s.done)
		return model.WrapProxyError(model.ErrHandshakeFailed, err, "tunnel handshake failed")
	}

	s.noteHandshake()
	s.state.Store(int32(SessionEstablished))
	s.logger.Info("Tunnel established with %s", s.cfg.Endpoint.RemoteDescription())

	go s.run(cs)
	return nil
}

// SendDatagram encrypts and transmits one plaintext datagram (an IP packet
// from the virtual stack).
func (s *Session) SendDatagram(p []byte) error {
	if len(p) > maxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds maximum", len(p))
	}
	req := &outRequest{payload: p, done: make(chan error, 1)}
	select {
	case s.outbound <- req:
	case <-s.stop:
		return fmt.Errorf("session is closed")
	}
	select {
	case err := <-req.done:
		return err
	case <-s.stop:
		return fmt.Errorf("session is closed")
	}
}

// Datagrams returns the stream of decrypted inbound datagrams. The channel
// is closed when the session shuts down.
func (s *Session) Datagrams() <-chan []byte {
	return s.inbound
}

// Close shuts the session down and releases the endpoint.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cfg.Endpoint.Close()
	})
	<-s.done
	s.state.Store(int32(SessionClosed))
	return nil
}

// readEndpoint pumps raw datagrams from the endpoint to the owner goroutine.
func (s *Session) readEndpoint() {
	for {
		p, err := s.cfg.Endpoint.Receive()
		if err != nil {
			close(s.rawIn)
			return
		}
		select {
		case s.rawIn <- p:
		case <-s.stop:
			return
		}
	}
}

// handshake performs the key exchange for the configured role.
func (s *Session) handshake() (*cipherState, error) {
	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()

	if s.cfg.Initiator {
		hs, initMsg, err := buildInitiation(s.cfg.LocalPrivate, s.cfg.LocalPublic, s.cfg.PeerPublic)
		if err != nil {
			return nil, err
		}
		if err := s.cfg.Endpoint.Send(initMsg); err != nil {
			return nil, fmt.Errorf("failed to send handshake initiation: %v", err)
		}

		for {
			select {
			case msg, ok := <-s.rawIn:
				if !ok {
					return nil, fmt.Errorf("endpoint closed during handshake")
				}
				if len(msg) == 0 || msg[0] != msgTypeHandshakeResp {
					continue
				}
				result, err := hs.consumeResponse(msg, s.cfg.LocalPrivate)
				if err != nil {
					s.logger.Warn("Discarding bad handshake response: %v", err)
					continue
				}
				return newCipherState(result)
			case <-deadline.C:
				return nil, fmt.Errorf("no handshake response within %s", s.cfg.HandshakeTimeout)
			case <-s.stop:
				return nil, fmt.Errorf("session closed during handshake")
			}
		}
	}

	// Responder role: wait for an initiation.
	for {
		select {
		case msg, ok := <-s.rawIn:
			if !ok {
				return nil, fmt.Errorf("endpoint closed during handshake")
			}
			if len(msg) == 0 || msg[0] != msgTypeHandshakeInit {
				continue
			}
			result, resp, err := consumeInitiation(msg, s.cfg.LocalPrivate, s.cfg.LocalPublic)
			if err != nil {
				s.logger.Warn("Discarding bad handshake initiation: %v", err)
				continue
			}
			if err := s.cfg.Endpoint.Send(resp); err != nil {
				return nil, fmt.Errorf("failed to send handshake response: %v", err)
			}
			return newCipherState(result)
		case <-deadline.C:
			return nil, fmt.Errorf("no handshake initiation within %s", s.cfg.HandshakeTimeout)
		case <-s.stop:
			return nil, fmt.Errorf("session closed during handshake")
		}
	}
}

func newCipherState(result *handshakeResult) (*cipherState, error) {
	send, err := newAEAD(result.sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newAEAD(result.recvKey)
	if err != nil {
		return nil, err
	}
	return &cipherState{
		send:        send,
		recv:        recv,
		localIndex:  result.localIndex,
		remoteIndex: result.remoteIndex,
	}, nil
}

// run is the owner goroutine: the only code that touches transport keys.
func (s *Session) run(cs *cipherState) {
	defer close(s.done)
	defer close(s.inbound)

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	rekey := time.NewTimer(s.cfg.RekeyInterval)
	defer rekey.Stop()

	s.lastInbound.Store(time.Now().UnixNano())

	for {
		select {
		case req := <-s.outbound:
			err := s.encryptAndSend(cs, req.payload)
			req.done <- err
			if cs.sendCounter >= rekeyAfterMessages {
				cs = s.rehandshake(cs)
			}

		case raw, ok := <-s.rawIn:
			if !ok {
				s.logger.Warn("Tunnel endpoint closed")
				return
			}
			if !s.cfg.Initiator && len(raw) > 0 && raw[0] == msgTypeHandshakeInit {
				cs = s.acceptRehandshake(cs, raw)
				continue
			}
			s.handleInbound(cs, raw)

		case <-keepalive.C:
			// Ping when idle; detect a dead peer when nothing has
			// arrived for several intervals.
			idle := time.Since(time.Unix(0, s.lastInbound.Load()))
			if idle > time.Duration(deadPeerFactor)*s.cfg.KeepaliveInterval {
				s.logger.Warn("No tunnel traffic for %s, forcing new handshake", idle.Round(time.Second))
				cs = s.rehandshake(cs)
				continue
			}
			if err := s.encryptAndSend(cs, nil); err != nil {
				s.logger.Warn("Keepalive failed: %v", err)
			}

		case <-rekey.C:
			cs = s.rehandshake(cs)
			rekey.Reset(s.cfg.RekeyInterval)

		case <-s.stop:
			return
		}
	}
}

// rehandshake transparently replaces the transport keys. Only the initiator
// drives rekeys; the responder re-keys when a fresh initiation arrives (see
// acceptRehandshake).
func (s *Session) rehandshake(old *cipherState) *cipherState {
	if !s.cfg.Initiator {
		return old
	}
	s.state.Store(int32(SessionHandshaking))
	cs, err := s.handshake()
	if err != nil {
		s.logger.Error("Re-handshake failed, keeping previous keys: %v", err)
		s.state.Store(int32(SessionEstablished))
		return old
	}
	s.noteHandshake()
	s.state.Store(int32(SessionEstablished))
	s.logger.Debug("Tunnel re-keyed")
	return cs
}

// acceptRehandshake answers an initiation that arrives on an established
// responder session and swaps in the fresh transport keys. A bad or
// unanswerable initiation leaves the current keys in place.
func (s *Session) acceptRehandshake(old *cipherState, raw []byte) *cipherState {
	result, resp, err := consumeInitiation(raw, s.cfg.LocalPrivate, s.cfg.LocalPublic)
	if err != nil {
		s.logger.Warn("Discarding bad handshake initiation: %v", err)
		return old
	}
	if err := s.cfg.Endpoint.Send(resp); err != nil {
		s.logger.Error("Failed to send handshake response, keeping previous keys: %v", err)
		return old
	}
	cs, err := newCipherState(result)
	if err != nil {
		s.logger.Error("Failed to derive transport keys, keeping previous keys: %v", err)
		return old
	}
	s.noteHandshake()
	s.logger.Debug("Tunnel re-keyed by peer")
	return cs
}

func (s *Session) noteHandshake() {
	s.lastHandshake.Store(time.Now().UnixNano())
	s.lastInbound.Store(time.Now().UnixNano())
}

// encryptAndSend seals a plaintext datagram (nil for keepalive) and hands it
// to the endpoint.
func (s *Session) encryptAndSend(cs *cipherState, plaintext []byte) error {
	counter := cs.sendCounter
	cs.sendCounter++

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	msg := make([]byte, dataHeaderSize, dataHeaderSize+len(plaintext)+poly1305TagSize)
	msg[0] = msgTypeData
	binary.LittleEndian.PutUint32(msg[4:8], cs.remoteIndex)
	binary.LittleEndian.PutUint64(msg[8:16], counter)
	msg = cs.send.Seal(msg, nonce[:], plaintext, msg[:dataHeaderSize])

	return s.cfg.Endpoint.Send(msg)
}

// handleInbound decrypts a data message and delivers the payload upward.
// Anything that is not a data message is ignored here; retransmitted or
// replayed counters are dropped.
func (s *Session) handleInbound(cs *cipherState, raw []byte) {
	if len(raw) < dataHeaderSize+poly1305TagSize || raw[0] != msgTypeData {
		return
	}

	receiver := binary.LittleEndian.Uint32(raw[4:8])
	if receiver != cs.localIndex {
		s.logger.Debug("Dropping datagram for unknown session index %d", receiver)
		return
	}

	counter := binary.LittleEndian.Uint64(raw[8:16])
	if !cs.replayCheck(counter) {
		s.logger.Debug("Dropping replayed datagram, counter %d", counter)
		return
	}

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := cs.recv.Open(nil, nonce[:], raw[dataHeaderSize:], raw[:dataHeaderSize])
	if err != nil {
		s.logger.Debug("Dropping undecryptable datagram: %v", err)
		return
	}

	cs.replayCommit(counter)
	s.lastInbound.Store(time.Now().UnixNano())

	if len(plaintext) == 0 {
		// keepalive
		return
	}

	select {
	case s.inbound <- plaintext:
	case <-s.stop:
	}
}

// replayCheck reports whether counter is acceptable under the sliding
// window. It does not update the window; call replayCommit after the AEAD
// open succeeds.
func (cs *cipherState) replayCheck(counter uint64) bool {
	if counter > cs.recvMax {
		return true
	}
	diff := cs.recvMax - counter
	if diff >= replayWindowSize {
		return false
	}
	return cs.recvBitmap&(1<<diff) == 0
}

// replayCommit records counter as seen.
func (cs *cipherState) replayCommit(counter uint64) {
	if counter > cs.recvMax {
		shift := counter - cs.recvMax
		if shift >= replayWindowSize {
			cs.recvBitmap = 0
		} else {
			cs.recvBitmap <<= shift
		}
		cs.recvBitmap |= 1
		cs.recvMax = counter
		return
	}
	cs.recvBitmap |= 1 << (cs.recvMax - counter)
}
