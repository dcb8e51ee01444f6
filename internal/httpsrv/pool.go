// Package httpsrv is the HTTPS server pool (§4.8): one embedded,
// hand-fed HTTPS listener per hostname the proxy has fabricated a
// leaf certificate for, created on first request and evicted after
// five idle minutes.
package httpsrv

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/ca"
	"github.com/zns-net/zns/internal/reactor"
)

var log = logging.Logger("httpsrv")

// DefaultCertCacheSize bounds how many minted leaf certificates the
// pool memoizes before it must call back into C6 (spec.md §4.6:
// "results MAY be cached by the HTTPS server pool").
const DefaultCertCacheSize = 4096

// taggedConn threads a SOCKS5 connection's resolved metadata through
// to the HTTP handler via http.Server.ConnContext.
type taggedConn struct {
	net.Conn
	info connInfo
}

// entry is one hostname's embedded listener/server pair.
type entry struct {
	hostname string
	listener *chanListener
	server   *http.Server

	mu        sync.Mutex
	active    int
	idleTimer *reactor.Timer
}

// Pool is the hostname-keyed collection of embedded HTTPS listeners.
// It implements socks5.Handoff directly: C7 hands a completed
// connection straight to Pool.Accept.
type Pool struct {
	authority *ca.Authority
	handler   http.Handler
	reactor   *reactor.Reactor
	certCache *lru.Cache[string, tls.Certificate]

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool builds a Pool minting leaf certificates from authority and
// dispatching every request to handler (C10's response producer).
func NewPool(authority *ca.Authority, handler http.Handler, r *reactor.Reactor) (*Pool, error) {
	cache, err := lru.New[string, tls.Certificate](DefaultCertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("httpsrv: build cert cache: %w", err)
	}
	return &Pool{
		authority: authority,
		handler:   handler,
		reactor:   r,
		certCache: cache,
		entries:   make(map[string]*entry),
	}, nil
}

// Accept implements socks5.Handoff: it finds or creates the listener
// entry for hostname and pushes conn into it.
func (p *Pool) Accept(conn net.Conn, hostname, legacyHostname string, resolvedAddr net.IP, resolvedPort uint16) {
	e, err := p.lookupOrCreate(hostname)
	if err != nil {
		log.Warnf("httpsrv: %s: %v", hostname, err)
		conn.Close()
		return
	}
	tc := taggedConn{Conn: conn, info: connInfo{
		Hostname:       hostname,
		LegacyHostname: legacyHostname,
		ResolvedAddr:   resolvedAddr,
		ResolvedPort:   resolvedPort,
	}}
	if !e.listener.push(tc) {
		conn.Close()
	}
}

// lookupOrCreate implements §4.8's lookup_or_create: return an
// existing entry as is, or mint a cert and spin up a fresh embedded
// listener. The idle timer is not touched here; connStateFor cancels
// it once the handed-off connection reaches the entry's server.
func (p *Pool) lookupOrCreate(hostname string) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[hostname]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	cert, err := p.certFor(hostname)
	if err != nil {
		return nil, fmt.Errorf("httpsrv: mint cert for %s: %w", hostname, err)
	}

	ln := newChanListener()
	e := &entry{hostname: hostname, listener: ln}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	e.server = &http.Server{
		Handler:     p.handler,
		TLSConfig:   tlsConfig,
		ConnContext: connContextFromConn,
		ConnState:   p.connStateFor(e),
	}

	p.mu.Lock()
	// Re-check: another goroutine may have created it while we minted.
	if existing, ok := p.entries[hostname]; ok {
		p.mu.Unlock()
		ln.Close()
		return existing, nil
	}
	p.entries[hostname] = e
	p.mu.Unlock()

	go func() {
		tlsListener := tls.NewListener(ln, tlsConfig)
		if err := e.server.Serve(tlsListener); err != nil {
			log.Debugf("httpsrv: %s: listener stopped: %v", hostname, err)
		}
	}()
	p.armIdleEviction(e)

	return e, nil
}

// certFor consults the LRU cache before calling back into C6, per
// §4.6's "results MAY be cached by the HTTPS server pool".
func (p *Pool) certFor(hostname string) (tls.Certificate, error) {
	if cert, ok := p.certCache.Get(hostname); ok {
		return cert, nil
	}
	cert, err := p.authority.MintTLSCertificate(hostname)
	if err != nil {
		return tls.Certificate{}, err
	}
	p.certCache.Add(hostname, cert)
	return cert, nil
}

// connContextFromConn recovers the taggedConn's metadata from the
// *tls.Conn net/http hands ConnContext, via tls.Conn.NetConn (the
// handshake hasn't necessarily happened yet, but the wrapped conn
// identity is already fixed at Accept time).
func connContextFromConn(ctx context.Context, c net.Conn) context.Context {
	type netConner interface{ NetConn() net.Conn }
	if nc, ok := c.(netConner); ok {
		if tc, ok := nc.NetConn().(taggedConn); ok {
			return withConnInfo(ctx, tc.info)
		}
	}
	if tc, ok := c.(taggedConn); ok {
		return withConnInfo(ctx, tc.info)
	}
	return ctx
}

// connStateFor tracks activity so the five-minute idle timer (§4.8,
// §5) only runs while e has no active connections.
func (p *Pool) connStateFor(e *entry) func(net.Conn, http.ConnState) {
	return func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			e.mu.Lock()
			e.active++
			if e.idleTimer != nil {
				e.idleTimer.Cancel()
				e.idleTimer = nil
			}
			e.mu.Unlock()
		case http.StateClosed, http.StateHijacked:
			e.mu.Lock()
			e.active--
			shouldArm := e.active <= 0
			e.mu.Unlock()
			if shouldArm {
				p.armIdleEviction(e)
			}
		}
	}
}

func (p *Pool) armIdleEviction(e *entry) {
	timer := p.reactor.AddAfter(idleEvictionDelay, func() { p.evict(e) })
	e.mu.Lock()
	e.idleTimer = timer
	e.mu.Unlock()
}

func (p *Pool) evict(e *entry) {
	p.mu.Lock()
	if current, ok := p.entries[e.hostname]; !ok || current != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, e.hostname)
	p.mu.Unlock()

	log.Debugf("httpsrv: evicting idle listener for %s", e.hostname)
	e.server.Close()
}

// EntryCount reports how many hostnames currently have a live
// listener, for diagnostics and tests.
func (p *Pool) EntryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
