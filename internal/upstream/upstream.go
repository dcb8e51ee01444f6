// Package upstream is the per-request connection to the resolved
// origin (§4.9). The original's single shared multi-connection driver
// with explicit on_header/on_body/next_upload_chunk callbacks is
// reshaped into the idiomatic Go equivalent: a per-request
// *http.Client built around a DialContext that forces the address C4
// already resolved, whose *http.Response IS the header/body
// "callback" surface (net/http's Response.Header and the
// io.ReadCloser Response.Body need no separate delivery mechanism),
// and whose request Body is an io.Reader C10 supplies for streaming
// uploads.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProxyMarkerHeader is the "custom header flag marks the request as
// originating inside the proxy" requirement of §4.9.
const ProxyMarkerHeader = "X-Zns-Proxy-Request"

// ConnectTimeout and TransferTimeout are the two ten-minute budgets
// of §5 ("Upstream connect: 10 min, total transfer: 10 min").
const (
	ConnectTimeout  = 10 * time.Minute
	TransferTimeout = 10 * time.Minute
)

// Request describes one upstream fetch: everything C9 needs to build
// the URL, force the resolved address, and present the legacy Host.
type Request struct {
	Method string
	// LegacyHostname is presented via the Host header and used to
	// build the request URL; falls back to the dialed hostname if
	// empty (no legacy-hostname record was published).
	LegacyHostname string
	// DialedHostname is used to build the URL when LegacyHostname is
	// empty.
	DialedHostname string
	Path           string // including any query string
	TLS            bool

	ResolvedAddr net.IP
	ResolvedPort uint16

	Header http.Header
	Body   io.Reader
}

// MethodNotSupportedError is returned for request bodies §4.10's
// forwarding rules don't define (anything but GET/HEAD/PUT/POST).
type MethodNotSupportedError struct{ Method string }

func (e *MethodNotSupportedError) Error() string {
	return fmt.Sprintf("upstream: method %q not supported", e.Method)
}

// Client builds a fresh *http.Client per Fetch, each scoped to a
// single resolved address so the dialed address can never drift from
// the one C4 returned for this request.
type Client struct{}

// Fetch issues req against its resolved origin, disabling redirect
// following (so C10 can rewrite Location and surface the 3xx to the
// browser itself, per §4.9's "redirects must be surfaced... after
// rewriting") and forcing both the dial address and IP family C4
// already chose.
func (Client) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost:
	default:
		return nil, &MethodNotSupportedError{Method: req.Method}
	}

	host := req.LegacyHostname
	if host == "" {
		host = req.DialedHostname
	}

	scheme := "http"
	if req.TLS {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: "/"}
	if req.Path != "" {
		parsed, err := url.Parse(req.Path)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse path %q: %w", req.Path, err)
		}
		u.Path = parsed.Path
		u.RawQuery = parsed.RawQuery
	}

	network := "tcp"
	if req.ResolvedAddr != nil {
		if req.ResolvedAddr.To4() != nil {
			network = "tcp4"
		} else {
			network = "tcp6"
		}
	}
	port := req.ResolvedPort
	if port == 0 {
		if req.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	dialTarget := net.JoinHostPort(req.ResolvedAddr.String(), fmt.Sprint(port))

	dialer := &net.Dialer{Timeout: ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, dialTarget)
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   TransferTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	httpReq.Host = host
	httpReq.Header.Set(ProxyMarkerHeader, "1")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch %s: %w", u.String(), err)
	}
	return resp, nil
}
