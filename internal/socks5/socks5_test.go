package socks5

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zns-net/zns/internal/reactor"
)

type fakeResolver struct {
	ip     net.IP
	legacy string
	err    error
}

func (f fakeResolver) Resolve(ctx context.Context, host string) (net.IP, string, error) {
	return f.ip, f.legacy, f.err
}

type fakeHandoff struct {
	called   bool
	hostname string
	legacy   string
	addr     net.IP
	port     uint16
}

func (f *fakeHandoff) Accept(conn net.Conn, hostname, legacyHostname string, addr net.IP, port uint16) {
	f.called = true
	f.hostname = hostname
	f.legacy = legacyHostname
	f.addr = addr
	f.port = port
	conn.Close()
}

func newTestServer(resolver Resolver, handoff Handoff) *Server {
	return &Server{
		Reactor:  reactor.New(context.Background()),
		Resolver: resolver,
		Handoff:  handoff,
	}
}

func dialRequest(t *testing.T, client net.Conn, domain string, port uint16) {
	t.Helper()
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetReply := make([]byte, 2)
	if _, err := io.ReadFull(client, greetReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetReply[0] != 0x05 || greetReply[1] != 0x00 {
		t.Fatalf("unexpected greeting reply: %v", greetReply)
	}

	req := []byte{0x05, 0x01, 0x00, addrTypeDomain, byte(len(domain))}
	req = append(req, []byte(domain)...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	req = append(req, portBuf...)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func TestHandshakeSuccessHandsOffSocket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handoff := &fakeHandoff{}
	s := newTestServer(fakeResolver{ip: net.ParseIP("93.184.216.34"), legacy: "www.example.com"}, handoff)

	done := make(chan struct{})
	go func() {
		s.serveConn(context.Background(), server)
		close(done)
	}()

	dialRequest(t, client, "example.zns", 443)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read success reply: %v", err)
	}
	if reply[1] != replySucceeded {
		t.Fatalf("reply code = %#x, want succeeded", reply[1])
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveConn did not return")
	}

	if !handoff.called {
		t.Fatal("expected Handoff.Accept to be called")
	}
	if handoff.hostname != "example.zns" || handoff.legacy != "www.example.com" {
		t.Fatalf("unexpected handoff fields: %+v", handoff)
	}
	if handoff.port != 443 {
		t.Fatalf("port = %d, want 443", handoff.port)
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := newTestServer(fakeResolver{}, &fakeHandoff{})

	done := make(chan struct{})
	go func() {
		s.serveConn(context.Background(), server)
		close(done)
	}()

	// The server closes after reading the 2-byte header, so net.Pipe
	// reports io.ErrClosedPipe for the unread third byte.
	if _, err := client.Write([]byte{0x04, 0x01, 0x00}); err != nil && err != io.ErrClosedPipe {
		t.Fatalf("write bad greeting: %v", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := client.Read(buf)
	if err == nil {
		t.Fatal("expected no reply bytes for an unrecognized SOCKS version, got data")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveConn did not return")
	}
}

func TestHandshakeFailsOnResolveError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := newTestServer(fakeResolver{err: errHostUnreachable}, &fakeHandoff{})

	go s.serveConn(context.Background(), server)

	dialRequest(t, client, "nosuch.zns", 443)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read failure reply: %v", err)
	}
	if reply[1] != replyHostUnreachable {
		t.Fatalf("reply code = %#x, want host-unreachable", reply[1])
	}
}

func TestHandshakeRejectsUnsupportedPort(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handoff := &fakeHandoff{}
	s := newTestServer(fakeResolver{ip: net.ParseIP("10.0.0.1")}, handoff)

	go s.serveConn(context.Background(), server)

	dialRequest(t, client, "example.zns", 22)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read failure reply: %v", err)
	}
	if reply[1] != replyCommandNotSupported {
		t.Fatalf("reply code = %#x, want command-not-supported", reply[1])
	}
	if handoff.called {
		t.Fatal("expected no handoff for an unsupported port")
	}
}
