// Package socks5 implements the SOCKS5 front-end (§4.7): a minimal
// RFC 1928 subset (no-auth, CONNECT only) whose per-connection state
// is an explicit phase-tagged struct, per spec.md §9's instruction to
// prefer tagged-variant state machines over nested callbacks. Every
// connection runs on its own goroutine, coordinated with a
// reactor.Reactor for the handshake->HTTPS handover timeout and for
// cancellation at shutdown.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/reactor"
)

var log = logging.Logger("socks5")

// phase is the connection's position in the state machine of §4.7.
type phase int

const (
	phaseInit phase = iota
	phaseRequest
	phaseResolving
	phaseDataTransfer
	phaseWriteThenCleanup
	phaseSocketWithServer
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "INIT"
	case phaseRequest:
		return "REQUEST"
	case phaseResolving:
		return "RESOLVING"
	case phaseDataTransfer:
		return "DATA_TRANSFER"
	case phaseWriteThenCleanup:
		return "WRITE_THEN_CLEANUP"
	case phaseSocketWithServer:
		return "SOCKET_WITH_SERVER"
	default:
		return "UNKNOWN"
	}
}

// reply codes from RFC 1928 §6, the subset this server ever writes.
const (
	replySucceeded           byte = 0x00
	replyGeneralFailure      byte = 0x01
	replyHostUnreachable     byte = 0x04
	replyCommandNotSupported byte = 0x07
	replyAddressNotSupported byte = 0x08
)

const (
	addrTypeIPv4   byte = 0x01
	addrTypeDomain byte = 0x03
	addrTypeIPv6   byte = 0x04
)

// handoverTimeout is the fifteen-second timer spec.md §4.7 runs from
// entry into SOCKET_WITH_SERVER.
const handoverTimeout = 15 * time.Second

// Resolver turns a dialed hostname into an address and, for names
// resolved through the naming system, the legacy hostname to present
// upstream. DNSResolver and NamingResolver both implement it.
type Resolver interface {
	Resolve(ctx context.Context, host string) (addr net.IP, legacyHostname string, err error)
}

// Handoff receives a connection that has completed the SOCKS5
// handshake for an HTTP/HTTPS destination (§4.7 DATA_TRANSFER's
// "hand socket to the HTTPS server pool" transition). hostname is the
// name the client dialed (the managed-suffix hostname, if any);
// legacyHostname is what to present to the real origin.
type Handoff interface {
	Accept(conn net.Conn, hostname string, legacyHostname string, resolvedAddr net.IP, resolvedPort uint16)
}

// request is the per-connection state (spec.md §3's S5R), tracked
// only for the lifetime of the SOCKS5 handshake.
type request struct {
	conn   net.Conn
	phase  phase
	domain string
	port   uint16

	resolvedAddr   net.IP
	legacyHostname string

	// id identifies this connection across its log lines, the
	// "request/task IDs in logs" idiom this module follows throughout.
	id string
}

// Server holds the collaborators a connection needs to complete its
// handshake; managed-suffix matching lives in the Resolver.
type Server struct {
	Reactor  *reactor.Reactor
	Resolver Resolver
	Handoff  Handoff
}

// Serve accepts connections from ln until ctx is cancelled, handling
// each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	r := &request{conn: conn, phase: phaseInit, id: uuid.NewString()}
	if err := s.handshake(ctx, r); err != nil {
		log.Debugf("socks5[%s]: connection from %s ended in phase %s: %v", r.id, conn.RemoteAddr(), r.phase, err)
	}
}

// handshake drives r through INIT -> REQUEST -> (RESOLVING ->)?
// DATA_TRANSFER -> SOCKET_WITH_SERVER, or WRITE_THEN_CLEANUP on any
// failure, per the table in spec.md §4.7.
func (s *Server) handshake(ctx context.Context, r *request) error {
	if err := s.readGreeting(r); err != nil {
		// Per the worked example in spec.md §9.1: an unrecognized
		// version byte gets the connection closed with no reply at
		// all, not a failure reply.
		r.conn.Close()
		return err
	}
	r.phase = phaseRequest

	domain, port, addrType, err := s.readRequest(r)
	if err != nil {
		return s.failAndClose(r, replyGeneralFailure, err)
	}
	r.domain = domain
	r.port = port

	addr, legacy, err := s.resolve(ctx, r, addrType)
	if err != nil {
		code := replyGeneralFailure
		if errors.Is(err, errHostUnreachable) {
			code = replyHostUnreachable
		}
		return s.failAndClose(r, code, err)
	}
	r.resolvedAddr = addr
	r.legacyHostname = legacy
	r.phase = phaseDataTransfer

	if port != 80 && port != 443 {
		return s.failAndClose(r, replyCommandNotSupported, fmt.Errorf("socks5: port %d not supported by this core", port))
	}

	if err := writeSuccessReply(r.conn); err != nil {
		r.conn.Close()
		return err
	}

	r.phase = phaseSocketWithServer
	s.armHandoverTimeout(r)
	s.Handoff.Accept(r.conn, r.domain, r.legacyHostname, r.resolvedAddr, r.port)
	return nil
}

var errHostUnreachable = errors.New("socks5: host unreachable")

// resolve dispatches domain names to the configured Resolver; for IP
// literals it skips resolution entirely. phaseResolving
// is entered/exited around the one case that can actually block on an
// external lookup (a domain name).
func (s *Server) resolve(ctx context.Context, r *request, addrType byte) (net.IP, string, error) {
	if addrType != addrTypeDomain {
		return r.resolvedAddr, "", nil
	}
	r.phase = phaseResolving
	addr, legacy, err := s.Resolver.Resolve(ctx, r.domain)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errHostUnreachable, err)
	}
	return addr, legacy, nil
}

func (s *Server) armHandoverTimeout(r *request) {
	timeout := handoverTimeout
	timer := s.Reactor.AddAfter(timeout, func() {
		log.Debugf("socks5[%s]: handover timeout for %s, closing", r.id, r.domain)
		r.conn.Close()
	})
	_ = timer // ownership passes to the HTTPS listener pool on activity; it cancels via its own bookkeeping once a request arrives
}

func (s *Server) failAndClose(r *request, code byte, cause error) error {
	r.phase = phaseWriteThenCleanup
	_ = writeFailureReply(r.conn, code)
	r.conn.Close()
	return cause
}

// readGreeting consumes the version byte plus nmethods and the method
// list, then writes the server greeting accepting no-auth only.
func (s *Server) readGreeting(r *request) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r.conn, hdr); err != nil {
		return fmt.Errorf("socks5: read greeting header: %w", err)
	}
	if hdr[0] != 0x05 {
		return fmt.Errorf("socks5: unsupported version %#x", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if nmethods > 0 {
		if _, err := io.ReadFull(r.conn, methods); err != nil {
			return fmt.Errorf("socks5: read method list: %w", err)
		}
	}

	noAuth := false
	for _, m := range methods {
		if m == 0x00 {
			noAuth = true
			break
		}
	}
	if !noAuth {
		r.conn.Write([]byte{0x05, 0xFF})
		return errors.New("socks5: client offered no acceptable auth method")
	}
	_, err := r.conn.Write([]byte{0x05, 0x00})
	return err
}

// readRequest parses the CONNECT request header, returning the
// requested domain (synthesized from an IP literal if the address
// type isn't a domain name) and port.
func (s *Server) readRequest(r *request) (domain string, port uint16, addrType byte, err error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r.conn, hdr); err != nil {
		return "", 0, 0, fmt.Errorf("socks5: read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return "", 0, 0, fmt.Errorf("socks5: unsupported version %#x", hdr[0])
	}
	if hdr[1] != 0x01 {
		return "", 0, 0, fmt.Errorf("socks5: unsupported command %#x (only CONNECT)", hdr[1])
	}
	addrType = hdr[3]

	switch addrType {
	case addrTypeIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r.conn, buf); err != nil {
			return "", 0, 0, fmt.Errorf("socks5: read IPv4 address: %w", err)
		}
		ip := net.IP(buf)
		r.resolvedAddr = ip
		domain = ip.String()
	case addrTypeIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r.conn, buf); err != nil {
			return "", 0, 0, fmt.Errorf("socks5: read IPv6 address: %w", err)
		}
		ip := net.IP(buf)
		r.resolvedAddr = ip
		domain = ip.String()
	case addrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r.conn, lenBuf); err != nil {
			return "", 0, 0, fmt.Errorf("socks5: read domain length: %w", err)
		}
		nameBuf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r.conn, nameBuf); err != nil {
			return "", 0, 0, fmt.Errorf("socks5: read domain: %w", err)
		}
		domain = string(nameBuf)
	default:
		return "", 0, 0, fmt.Errorf("socks5: unsupported address type %#x", addrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r.conn, portBuf); err != nil {
		return "", 0, 0, fmt.Errorf("socks5: read port: %w", err)
	}
	port = binary.BigEndian.Uint16(portBuf)

	return domain, port, addrType, nil
}

// writeSuccessReply writes a CONNECT success reply. Per §6 the server
// always replies with address type IPv4 and a zeroed address/port.
func writeSuccessReply(w io.Writer) error {
	_, err := w.Write([]byte{0x05, replySucceeded, 0x00, addrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// writeFailureReply writes a failure reply with the given status
// code, address type IPv4 and zeroed address/port (spec.md §9.1's
// worked resolver-timeout example).
func writeFailureReply(w io.Writer, code byte) error {
	_, err := w.Write([]byte{0x05, code, 0x00, addrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
