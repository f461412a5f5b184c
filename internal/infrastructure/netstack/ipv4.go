// Package netstack is a small userspace TCP/IP implementation layered over
// the encrypted tunnel. It turns tunnel datagrams into ordinary
// connection-oriented byte streams without any kernel network involvement.
//
// Scope is deliberately narrow: IPv4 only, no fragmentation, a TCP subset
// sufficient for outbound HTTP(S) fetches (three-way handshake,
// retransmission, out-of-order reassembly, graceful and abrupt close), and
// just enough UDP to resolve fetch targets over the tunnel.
package netstack

import (
	"encoding/binary"
	"fmt"
)

const (
	ipv4HeaderSize = 20
	ipv4Version    = 4

	protoTCP uint8 = 6
	protoUDP uint8 = 17
)

// addr is an IPv4 address in wire order.
type addr [4]byte

func (a addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// checksum computes the standard ones-complement internet checksum.
func checksum(sum uint32, data []byte) uint32 {
	for len(data) >= 2 {
		sum += uint32(data[0])<<8 | uint32(data[1])
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}

// pseudoHeaderSum seeds a transport checksum with the IPv4 pseudo header.
func pseudoHeaderSum(src, dst addr, proto uint8, length int) uint32 {
	var sum uint32
	sum = checksum(sum, src[:])
	sum = checksum(sum, dst[:])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// marshalIPv4 builds an IPv4 datagram with no options and DF set.
func marshalIPv4(src, dst addr, proto uint8, ident uint16, payload []byte) []byte {
	total := ipv4HeaderSize + len(payload)
	p := make([]byte, total)
	p[0] = ipv4Version<<4 | ipv4HeaderSize/4
	binary.BigEndian.PutUint16(p[2:4], uint16(total))
	binary.BigEndian.PutUint16(p[4:6], ident)
	binary.BigEndian.PutUint16(p[6:8], 0x4000) // DF
	p[8] = 64                                  // TTL
	p[9] = proto
	copy(p[12:16], src[:])
	copy(p[16:20], dst[:])
	binary.BigEndian.PutUint16(p[10:12], foldChecksum(checksum(0, p[:ipv4HeaderSize])))
	copy(p[ipv4HeaderSize:], payload)
	return p
}

// parseIPv4 validates an inbound datagram and returns its payload. Fragments
// and options are rejected.
func parseIPv4(p []byte) (src, dst addr, proto uint8, payload []byte, err error) {
	if len(p) < ipv4HeaderSize {
		err = fmt.Errorf("datagram of %d bytes is too short", len(p))
		return
	}
	if p[0]>>4 != ipv4Version {
		err = fmt.Errorf("not IPv4")
		return
	}
	ihl := int(p[0]&0x0f) * 4
	if ihl < ipv4HeaderSize || len(p) < ihl {
		err = fmt.Errorf("bad header length %d", ihl)
		return
	}
	total := int(binary.BigEndian.Uint16(p[2:4]))
	if total < ihl || total > len(p) {
		err = fmt.Errorf("bad total length %d", total)
		return
	}
	fragField := binary.BigEndian.Uint16(p[6:8])
	if fragField&0x2000 != 0 || fragField&0x1fff != 0 {
		err = fmt.Errorf("fragmented datagrams are not supported")
		return
	}
	if foldChecksum(checksum(0, p[:ihl])) != 0 {
		err = fmt.Errorf("bad IPv4 checksum")
		return
	}
	proto = p[9]
	copy(src[:], p[12:16])
	copy(dst[:], p[16:20])
	payload = p[ihl:total]
	return
}
