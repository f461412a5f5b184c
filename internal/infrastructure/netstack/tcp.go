package netstack

import (
	"encoding/binary"
	"fmt"
)

const (
	tcpHeaderSize = 20

	flagFIN uint8 = 1 << 0
	flagSYN uint8 = 1 << 1
	flagRST uint8 = 1 << 2
	flagPSH uint8 = 1 << 3
	flagACK uint8 = 1 << 4
)

// tcpSegment is a parsed or to-be-sent TCP segment.
type tcpSegment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	mss     uint16 // from the MSS option on SYN segments, 0 otherwise
	payload []byte
}

// seqLen is the sequence space the segment occupies (SYN and FIN each count
// for one).
func (s *tcpSegment) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.flags&flagSYN != 0 {
		n++
	}
	if s.flags&flagFIN != 0 {
		n++
	}
	return n
}

// marshalTCP serializes the segment with a valid checksum. SYN segments
// carry an MSS option.
func marshalTCP(src, dst addr, seg *tcpSegment) []byte {
	headerLen := tcpHeaderSize
	if seg.flags&flagSYN != 0 {
		headerLen += 4
	}
	p := make([]byte, headerLen+len(seg.payload))
	binary.BigEndian.PutUint16(p[0:2], seg.srcPort)
	binary.BigEndian.PutUint16(p[2:4], seg.dstPort)
	binary.BigEndian.PutUint32(p[4:8], seg.seq)
	binary.BigEndian.PutUint32(p[8:12], seg.ack)
	p[12] = uint8(headerLen/4) << 4
	p[13] = seg.flags
	binary.BigEndian.PutUint16(p[14:16], seg.window)
	if seg.flags&flagSYN != 0 {
		p[20] = 2 // MSS option
		p[21] = 4
		binary.BigEndian.PutUint16(p[22:24], seg.mss)
	}
	copy(p[headerLen:], seg.payload)

	sum := pseudoHeaderSum(src, dst, protoTCP, len(p))
	binary.BigEndian.PutUint16(p[16:18], foldChecksum(checksum(sum, p)))
	return p
}

// parseTCP validates the checksum and parses the segment.
func parseTCP(src, dst addr, p []byte) (*tcpSegment, error) {
	if len(p) < tcpHeaderSize {
		return nil, fmt.Errorf("TCP segment of %d bytes is too short", len(p))
	}
	dataOff := int(p[12]>>4) * 4
	if dataOff < tcpHeaderSize || dataOff > len(p) {
		return nil, fmt.Errorf("bad TCP data offset %d", dataOff)
	}

	sum := pseudoHeaderSum(src, dst, protoTCP, len(p))
	if foldChecksum(checksum(sum, p)) != 0 {
		return nil, fmt.Errorf("bad TCP checksum")
	}

	seg := &tcpSegment{
		srcPort: binary.BigEndian.Uint16(p[0:2]),
		dstPort: binary.BigEndian.Uint16(p[2:4]),
		seq:     binary.BigEndian.Uint32(p[4:8]),
		ack:     binary.BigEndian.Uint32(p[8:12]),
		flags:   p[13],
		window:  binary.BigEndian.Uint16(p[14:16]),
		payload: p[dataOff:],
	}

	// Only the MSS option is interesting; everything else is skipped.
	opts := p[tcpHeaderSize:dataOff]
	for len(opts) > 0 {
		kind := opts[0]
		if kind == 0 { // end of options
			break
		}
		if kind == 1 { // no-op
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
			break
		}
		if kind == 2 && opts[1] == 4 {
			seg.mss = binary.BigEndian.Uint16(opts[2:4])
		}
		opts = opts[opts[1]:]
	}

	return seg, nil
}

// seqLess reports whether a < b in sequence space (RFC 1982 style).
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLEq reports whether a <= b in sequence space.
func seqLEq(a, b uint32) bool {
	return int32(a-b) <= 0
}
