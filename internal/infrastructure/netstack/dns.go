package netstack

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Resolver answers A lookups through the tunnel so hostnames never leak to
// the local network's resolver.
type Resolver struct {
	stack      *Stack
	serverIP   addr
	serverPort uint16
	serverOK   bool

	mu    sync.Mutex
	cache map[string]dnsCacheEntry
}

type dnsCacheEntry struct {
	ip      addr
	expires time.Time
}

// dnsCacheTTL caps how long a resolved address is reused regardless of the
// record TTL.
const dnsCacheTTL = 60 * time.Second

func newResolver(s *Stack, server string) *Resolver {
	r := &Resolver{stack: s, cache: make(map[string]dnsCacheEntry)}

	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		host, portStr = server, "53"
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() != nil {
		copy(r.serverIP[:], ip.To4())
		if p, err := net.LookupPort("udp", portStr); err == nil {
			r.serverPort = uint16(p)
			r.serverOK = true
		}
	}
	return r
}

// LookupIPv4 resolves host to an IPv4 address. Literal addresses are
// returned directly; names are queried over the tunnel.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) (addr, error) {
	var out addr

	if ip := net.ParseIP(host); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return out, fmt.Errorf("IPv6 address %q is not supported", host)
		}
		copy(out[:], v4)
		return out, nil
	}

	if !r.serverOK {
		return out, fmt.Errorf("no tunnel DNS server configured, cannot resolve %q", host)
	}

	name := strings.TrimSuffix(strings.ToLower(host), ".")

	r.mu.Lock()
	if entry, ok := r.cache[name]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.ip, nil
	}
	r.mu.Unlock()

	conn, err := r.stack.dialUDP(r.serverIP, r.serverPort)
	if err != nil {
		return out, err
	}
	defer conn.close()

	id, query, err := buildQuery(name)
	if err != nil {
		return out, err
	}

	queryCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	if err := conn.send(query); err != nil {
		return out, fmt.Errorf("DNS query failed: %v", err)
	}

	for {
		resp, err := conn.receive(queryCtx)
		if err != nil {
			return out, fmt.Errorf("DNS lookup of %q failed: %v", name, err)
		}
		ip, ok, err := parseAnswer(resp, id)
		if err != nil {
			return out, fmt.Errorf("DNS lookup of %q failed: %v", name, err)
		}
		if !ok {
			continue // response for a different query, keep waiting
		}

		r.mu.Lock()
		r.cache[name] = dnsCacheEntry{ip: ip, expires: time.Now().Add(dnsCacheTTL)}
		r.mu.Unlock()
		return ip, nil
	}
}

// buildQuery encodes a single-question recursive A query.
func buildQuery(name string) (uint16, []byte, error) {
	var idBuf [2]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return 0, nil, err
	}
	id := binary.BigEndian.Uint16(idBuf[:])

	msg := make([]byte, 0, 12+len(name)+6)
	msg = binary.BigEndian.AppendUint16(msg, id)
	msg = binary.BigEndian.AppendUint16(msg, 0x0100) // RD
	msg = binary.BigEndian.AppendUint16(msg, 1)      // QDCOUNT
	msg = append(msg, 0, 0, 0, 0, 0, 0)              // AN/NS/AR counts

	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return 0, nil, fmt.Errorf("invalid DNS label in %q", name)
		}
		msg = append(msg, byte(len(label)))
		msg = append(msg, label...)
	}
	msg = append(msg, 0)
	msg = binary.BigEndian.AppendUint16(msg, 1) // QTYPE A
	msg = binary.BigEndian.AppendUint16(msg, 1) // QCLASS IN

	return id, msg, nil
}

// parseAnswer extracts the first A record from a response. ok is false when
// the message does not match the query ID.
func parseAnswer(msg []byte, id uint16) (addr, bool, error) {
	var out addr
	if len(msg) < 12 {
		return out, false, fmt.Errorf("response too short")
	}
	if binary.BigEndian.Uint16(msg[0:2]) != id {
		return out, false, nil
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	if flags&0x8000 == 0 {
		return out, false, nil // not a response
	}
	if rcode := flags & 0x000f; rcode != 0 {
		return out, false, fmt.Errorf("server returned rcode %d", rcode)
	}

	qdCount := int(binary.BigEndian.Uint16(msg[4:6]))
	anCount := int(binary.BigEndian.Uint16(msg[6:8]))
	if anCount == 0 {
		return out, false, fmt.Errorf("no answers")
	}

	off := 12
	for i := 0; i < qdCount; i++ {
		next, err := skipName(msg, off)
		if err != nil {
			return out, false, err
		}
		off = next + 4 // QTYPE + QCLASS
		if off > len(msg) {
			return out, false, fmt.Errorf("truncated question section")
		}
	}

	for i := 0; i < anCount; i++ {
		next, err := skipName(msg, off)
		if err != nil {
			return out, false, err
		}
		off = next
		if off+10 > len(msg) {
			return out, false, fmt.Errorf("truncated answer section")
		}
		rrType := binary.BigEndian.Uint16(msg[off : off+2])
		rrClass := binary.BigEndian.Uint16(msg[off+2 : off+4])
		rdLength := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += 10
		if off+rdLength > len(msg) {
			return out, false, fmt.Errorf("truncated record data")
		}
		if rrType == 1 && rrClass == 1 && rdLength == 4 {
			copy(out[:], msg[off:off+4])
			return out, true, nil
		}
		off += rdLength
	}

	return out, false, fmt.Errorf("no A record in answer")
}

// skipName advances past a possibly compressed domain name.
func skipName(msg []byte, off int) (int, error) {
	for {
		if off >= len(msg) {
			return 0, fmt.Errorf("truncated name")
		}
		length := int(msg[off])
		switch {
		case length == 0:
			return off + 1, nil
		case length&0xc0 == 0xc0:
			// compression pointer ends the name
			if off+2 > len(msg) {
				return 0, fmt.Errorf("truncated compression pointer")
			}
			return off + 2, nil
		default:
			off += 1 + length
		}
	}
}
