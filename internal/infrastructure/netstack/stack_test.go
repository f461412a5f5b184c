package netstack

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/logger"
)

// chanLink is an in-memory Link connecting two stacks.
type chanLink struct {
	out chan<- []byte
	in  chan []byte
}

func newLinkPair() (*chanLink, *chanLink) {
	ab := make(chan []byte, 512)
	ba := make(chan []byte, 512)
	return &chanLink{out: ab, in: ba}, &chanLink{out: ba, in: ab}
}

func (l *chanLink) SendDatagram(p []byte) error {
	l.out <- append([]byte(nil), p...)
	return nil
}

func (l *chanLink) Datagrams() <-chan []byte { return l.in }

// noisyLink re-sends the previous datagram after each new one, so the peer
// sees stale duplicates arriving out of order.
type noisyLink struct {
	*chanLink
	mu   sync.Mutex
	prev []byte
}

func (l *noisyLink) SendDatagram(p []byte) error {
	msg := append([]byte(nil), p...)

	l.mu.Lock()
	prev := l.prev
	l.prev = msg
	l.mu.Unlock()

	l.out <- msg
	if prev != nil {
		l.out <- prev
	}
	return nil
}

func stackLogger() *logger.Logger {
	return logger.NewLogger(io.Discard, "error")
}

func newStackPair(t *testing.T, wrap func(*chanLink) Link) (*Stack, *Stack) {
	t.Helper()

	linkA, linkB := newLinkPair()
	var la, lb Link = linkA, linkB
	if wrap != nil {
		la = wrap(linkA)
		lb = wrap(linkB)
	}

	a, err := NewStack("10.0.0.1", "", la, stackLogger())
	if err != nil {
		t.Fatalf("NewStack A: %v", err)
	}
	b, err := NewStack("10.0.0.2", "", lb, stackLogger())
	if err != nil {
		t.Fatalf("NewStack B: %v", err)
	}
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// echoServer accepts one connection and echoes everything back.
func echoServer(t *testing.T, s *Stack, port uint16) *Listener {
	t.Helper()
	l, err := s.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()
	return l
}

func TestNewStackRejectsBadAddress(t *testing.T) {
	linkA, _ := newLinkPair()
	for _, address := range []string{"", "not-an-ip", "2001:db8::1"} {
		if _, err := NewStack(address, "", linkA, stackLogger()); err == nil {
			t.Errorf("NewStack(%q) accepted", address)
		}
	}
}

func TestDialAndEcho(t *testing.T) {
	a, b := newStackPair(t, nil)
	echoServer(t, b, 8080)

	conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	msg := []byte("GET /image.png HTTP/1.1\r\n\r\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestLargeTransferSpansManySegments(t *testing.T) {
	a, b := newStackPair(t, nil)
	echoServer(t, b, 8080)

	conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	go func() {
		conn.Write(payload)
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("echoed payload does not match")
	}
}

func TestWriteResumesAfterWindowReopens(t *testing.T) {
	a, b := newStackPair(t, nil)

	l, err := b.Listen(8080)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
		conn.Close()
	}()

	conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	// Larger than the receive window, so the writer must block at least once
	// on a zero window and resume on the receiver's window update.
	payload := make([]byte, 200*1024)
	done := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("Write stalled: window never reopened after the receiver drained its buffer")
	}
}

func TestTransferSurvivesDuplicatedReorderedDatagrams(t *testing.T) {
	a, b := newStackPair(t, func(l *chanLink) Link { return &noisyLink{chanLink: l} })
	echoServer(t, b, 8080)

	conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		conn.Write(payload)
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted by duplicated and reordered delivery")
	}
}

func TestDialRefusedByClosedPort(t *testing.T) {
	a, _ := newStackPair(t, nil)

	_, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:9999")
	if err == nil {
		t.Fatal("DialContext succeeded against a closed port")
	}
	if !model.IsKind(err, model.ErrNetworkUnavailable) {
		t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrNetworkUnavailable)
	}
}

func TestDialContextCancellation(t *testing.T) {
	linkA, _ := newLinkPair() // nothing consumes the far side
	a, err := NewStack("10.0.0.1", "", linkA, stackLogger())
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	a.Start()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = a.DialContext(ctx, "tcp", "10.0.0.2:80")
	if err == nil {
		t.Fatal("DialContext succeeded with no peer")
	}
	if ctx.Err() == nil {
		t.Error("DialContext returned before the context expired")
	}
}

func TestDialRejectsBadInput(t *testing.T) {
	a, _ := newStackPair(t, nil)
	ctx := context.Background()

	if _, err := a.DialContext(ctx, "udp", "10.0.0.2:80"); err == nil {
		t.Error("udp network accepted")
	}
	if _, err := a.DialContext(ctx, "tcp", "10.0.0.2"); err == nil {
		t.Error("address without port accepted")
	}
	if _, err := a.DialContext(ctx, "tcp", "2001:db8::1:80"); err == nil {
		t.Error("IPv6 address accepted")
	}
}

func TestPeerCloseYieldsEOF(t *testing.T) {
	a, b := newStackPair(t, nil)

	l, err := b.Listen(8080)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	}()

	conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "bye" {
		t.Errorf("data = %q, want %q", data, "bye")
	}
}

func TestConcurrentConnections(t *testing.T) {
	a, b := newStackPair(t, nil)

	l, err := b.Listen(8080)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := a.DialContext(context.Background(), "tcp", "10.0.0.2:8080")
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			msg := bytes.Repeat([]byte{byte(i)}, 4096)
			if _, err := conn.Write(msg); err != nil {
				errs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- io.ErrUnexpectedEOF
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("connection failed: %v", err)
	}
}

func TestListenRejectsDuplicatePort(t *testing.T) {
	_, b := newStackPair(t, nil)
	if _, err := b.Listen(8080); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := b.Listen(8080); err == nil {
		t.Error("second Listen on the same port accepted")
	}
}
