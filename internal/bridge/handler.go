package bridge

import (
	"net/http"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/httpsrv"
	"github.com/zns-net/zns/internal/metrics"
	"github.com/zns-net/zns/internal/reactor"
	"github.com/zns-net/zns/internal/upstream"
)

// Handler wires the per-connection metadata C8 attaches to a
// request's context to C9's upstream fetch and a Task, so it can be
// handed to httpsrv.NewPool as the one http.Handler every minted
// listener shares.
type Handler struct {
	Upstream upstream.Client
	Reactor  *reactor.Reactor
	// Metrics, if set, receives the bridged byte count (§9) once the
	// response finishes draining.
	Metrics *metrics.Metrics
}

var handlerLog = logging.Logger("bridge")

// ServeHTTP implements §4.9/§4.10's request path: read the connection
// metadata C7/C8 resolved, prepare the request body per §4.10's
// forwarding rules, fetch from the real origin, and pump the result
// back through a Task.
func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	hostname := httpsrv.Hostname(r.Context())
	legacyHostname := httpsrv.LegacyHostname(r.Context())
	resolvedAddr, resolvedPort := httpsrv.ResolvedOrigin(r.Context())

	body, err := PrepareRequestBody(r)
	if err != nil {
		handlerLog.Warnf("bridge[%s]: request body for %s %s: %v", id, r.Method, r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	StripAcceptEncoding(r.Header)

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.Upstream.Fetch(r.Context(), upstream.Request{
		Method:         r.Method,
		LegacyHostname: legacyHostname,
		DialedHostname: hostname,
		Path:           path,
		TLS:            true,
		ResolvedAddr:   resolvedAddr,
		ResolvedPort:   resolvedPort,
		Header:         r.Header,
		Body:           body,
	})
	if err != nil {
		handlerLog.Warnf("bridge[%s]: upstream fetch for %s: %v", id, hostname, err)
		http.Error(w, "zns: upstream connection failed", http.StatusBadGateway)
		return
	}

	// RewriteHeaders rewrites Set-Cookie/Location authorities that
	// match the *real* origin (legacyHostname) back to the
	// managed-suffix hostname the browser dialed — so the rewriter's
	// "legacy hostname" is the real origin's name, falling back to the
	// dialed hostname itself when no legacy-hostname record exists.
	realOriginName := legacyHostname
	if realOriginName == "" {
		realOriginName = hostname
	}

	task := NewTask(resp, w, "https", realOriginName, hostname)
	task.ID = id
	runErr := task.Run(r.Context(), h.Reactor)
	if h.Metrics != nil {
		h.Metrics.BridgeBytes.WithLabelValues("downstream").Add(float64(task.bytesWritten.Load()))
	}
	if runErr != nil {
		handlerLog.Debugf("bridge[%s]: task for %s %s ended: %v", id, r.Method, r.URL.Path, runErr)
	}
}
