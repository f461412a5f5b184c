package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Wire message types. Keepalives are data messages with an empty payload.
const (
	msgTypeHandshakeInit byte = 1
	msgTypeHandshakeResp byte = 2
	msgTypeData          byte = 4
)

// protocolLabel seeds the handshake transcript hash. Both sides must agree.
const protocolLabel = "imgveil-tunnel-v1 blake2s chacha20poly1305 x25519"

// Wire sizes.
const (
	handshakeInitSize = 4 + 4 + 32 + 32 + poly1305TagSize + timestampSize + poly1305TagSize
	handshakeRespSize = 4 + 4 + 4 + 32 + poly1305TagSize
	dataHeaderSize    = 4 + 4 + 8
	poly1305TagSize   = 16
	timestampSize     = 12
)

// GenerateKeypair creates a fresh X25519 key pair.
func GenerateKeypair() (private, public [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return
	}
	// Clamp per the X25519 convention.
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	var pub []byte
	pub, err = curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(public[:], pub)
	return
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// mixHash absorbs data into the transcript hash.
func mixHash(h [32]byte, data []byte) [32]byte {
	hs := newBlake2s()
	hs.Write(h[:])
	hs.Write(data)
	var out [32]byte
	copy(out[:], hs.Sum(nil))
	return out
}

// kdf2 derives two 32-byte keys from the chaining key and new input.
func kdf2(chain [32]byte, input []byte) (newChain, key [32]byte) {
	r := hkdf.New(newBlake2s, input, chain[:], nil)
	io.ReadFull(r, newChain[:])
	io.ReadFull(r, key[:])
	return
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key[:])
}

// seal encrypts plaintext with a zero counter nonce, binding the transcript
// hash as associated data.
func seal(key [32]byte, plaintext []byte, transcript [32]byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, transcript[:]), nil
}

func open(key [32]byte, ciphertext []byte, transcript [32]byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Open(nil, nonce[:], ciphertext, transcript[:])
}

// handshakeResult holds the directional transport keys derived by a
// completed handshake.
type handshakeResult struct {
	sendKey     [32]byte
	recvKey     [32]byte
	localIndex  uint32
	remoteIndex uint32
	peerStatic  [32]byte
}

// initiatorHandshake carries initiator state between the two messages.
type initiatorHandshake struct {
	localIndex uint32
	ephPriv    [32]byte
	ephPub     [32]byte
	chain      [32]byte
	transcript [32]byte
}

// packetTimestamp encodes the current time into the fixed 12-byte handshake
// field (seconds big-endian over 8 bytes, nanoseconds over 4).
func packetTimestamp(t time.Time) [timestampSize]byte {
	var ts [timestampSize]byte
	binary.BigEndian.PutUint64(ts[0:8], uint64(t.Unix()))
	binary.BigEndian.PutUint32(ts[8:12], uint32(t.Nanosecond()))
	return ts
}

// buildInitiation creates the first handshake message.
//
// Layout: type|3x0 | sender index | ephemeral pub | sealed static pub |
// sealed timestamp.
func buildInitiation(staticPriv, staticPub, peerStatic [32]byte) (*initiatorHandshake, []byte, error) {
	ephPriv, ephPub, err := GenerateKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral key generation failed: %v", err)
	}

	var index uint32
	var idxBuf [4]byte
	if _, err := io.ReadFull(rand.Reader, idxBuf[:]); err != nil {
		return nil, nil, err
	}
	index = binary.LittleEndian.Uint32(idxBuf[:])

	chain := blake2s.Sum256([]byte(protocolLabel))
	transcript := mixHash(chain, peerStatic[:])
	transcript = mixHash(transcript, ephPub[:])

	dh1, err := curve25519.X25519(ephPriv[:], peerStatic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k1 := kdf2(chain, dh1)

	sealedStatic, err := seal(k1, staticPub[:], transcript)
	if err != nil {
		return nil, nil, err
	}
	transcript = mixHash(transcript, sealedStatic)

	dh2, err := curve25519.X25519(staticPriv[:], peerStatic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k2 := kdf2(chain, dh2)

	ts := packetTimestamp(time.Now())
	sealedTS, err := seal(k2, ts[:], transcript)
	if err != nil {
		return nil, nil, err
	}
	transcript = mixHash(transcript, sealedTS)

	msg := make([]byte, 0, handshakeInitSize)
	msg = append(msg, msgTypeHandshakeInit, 0, 0, 0)
	msg = binary.LittleEndian.AppendUint32(msg, index)
	msg = append(msg, ephPub[:]...)
	msg = append(msg, sealedStatic...)
	msg = append(msg, sealedTS...)

	hs := &initiatorHandshake{
		localIndex: index,
		ephPriv:    ephPriv,
		ephPub:     ephPub,
		chain:      chain,
		transcript: transcript,
	}
	return hs, msg, nil
}

// consumeInitiation processes the first message on the responder side and
// produces the response message plus the derived transport keys.
func consumeInitiation(msg []byte, staticPriv, staticPub [32]byte) (*handshakeResult, []byte, error) {
	if len(msg) != handshakeInitSize || msg[0] != msgTypeHandshakeInit {
		return nil, nil, fmt.Errorf("malformed handshake initiation")
	}

	initIndex := binary.LittleEndian.Uint32(msg[4:8])
	var peerEph [32]byte
	copy(peerEph[:], msg[8:40])
	sealedStatic := msg[40 : 40+32+poly1305TagSize]
	sealedTS := msg[40+32+poly1305TagSize:]

	chain := blake2s.Sum256([]byte(protocolLabel))
	transcript := mixHash(chain, staticPub[:])
	transcript = mixHash(transcript, peerEph[:])

	dh1, err := curve25519.X25519(staticPriv[:], peerEph[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k1 := kdf2(chain, dh1)

	peerStaticBytes, err := open(k1, sealedStatic, transcript)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to authenticate initiator static key: %v", err)
	}
	var peerStatic [32]byte
	copy(peerStatic[:], peerStaticBytes)
	transcript = mixHash(transcript, sealedStatic)

	dh2, err := curve25519.X25519(staticPriv[:], peerStatic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k2 := kdf2(chain, dh2)

	if _, err := open(k2, sealedTS, transcript); err != nil {
		return nil, nil, fmt.Errorf("failed to authenticate handshake timestamp: %v", err)
	}
	transcript = mixHash(transcript, sealedTS)

	// Response: fresh ephemeral, two more DHs, then the transport keys.
	ephPriv, ephPub, err := GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}

	var idxBuf [4]byte
	if _, err := io.ReadFull(rand.Reader, idxBuf[:]); err != nil {
		return nil, nil, err
	}
	respIndex := binary.LittleEndian.Uint32(idxBuf[:])

	transcript = mixHash(transcript, ephPub[:])

	dh3, err := curve25519.X25519(ephPriv[:], peerEph[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, _ = kdf2(chain, dh3)

	dh4, err := curve25519.X25519(ephPriv[:], peerStatic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k3 := kdf2(chain, dh4)

	confirm, err := seal(k3, nil, transcript)
	if err != nil {
		return nil, nil, err
	}

	resp := make([]byte, 0, handshakeRespSize)
	resp = append(resp, msgTypeHandshakeResp, 0, 0, 0)
	resp = binary.LittleEndian.AppendUint32(resp, respIndex)
	resp = binary.LittleEndian.AppendUint32(resp, initIndex)
	resp = append(resp, ephPub[:]...)
	resp = append(resp, confirm...)

	// Initiator-to-responder key first, then the reverse direction.
	_, recvKey := kdf2(chain, []byte("initiator"))
	_, sendKey := kdf2(chain, []byte("responder"))

	return &handshakeResult{
		sendKey:     sendKey,
		recvKey:     recvKey,
		localIndex:  respIndex,
		remoteIndex: initIndex,
		peerStatic:  peerStatic,
	}, resp, nil
}

// consumeResponse processes the second message on the initiator side and
// derives the transport keys.
func (hs *initiatorHandshake) consumeResponse(msg []byte, staticPriv [32]byte) (*handshakeResult, error) {
	if len(msg) != handshakeRespSize || msg[0] != msgTypeHandshakeResp {
		return nil, fmt.Errorf("malformed handshake response")
	}

	respIndex := binary.LittleEndian.Uint32(msg[4:8])
	receiverIndex := binary.LittleEndian.Uint32(msg[8:12])
	if receiverIndex != hs.localIndex {
		return nil, fmt.Errorf("handshake response for unknown session index %d", receiverIndex)
	}

	var peerEph [32]byte
	copy(peerEph[:], msg[12:44])
	confirm := msg[44:]

	transcript := mixHash(hs.transcript, peerEph[:])
	chain := hs.chain

	dh3, err := curve25519.X25519(hs.ephPriv[:], peerEph[:])
	if err != nil {
		return nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, _ = kdf2(chain, dh3)

	dh4, err := curve25519.X25519(staticPriv[:], peerEph[:])
	if err != nil {
		return nil, fmt.Errorf("handshake DH failed: %v", err)
	}
	chain, k3 := kdf2(chain, dh4)

	if _, err := open(k3, confirm, transcript); err != nil {
		return nil, fmt.Errorf("failed to authenticate handshake response: %v", err)
	}

	_, sendKey := kdf2(chain, []byte("initiator"))
	_, recvKey := kdf2(chain, []byte("responder"))

	return &handshakeResult{
		sendKey:     sendKey,
		recvKey:     recvKey,
		localIndex:  hs.localIndex,
		remoteIndex: respIndex,
	}, nil
}
