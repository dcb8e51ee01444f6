package bridge

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/reactor"
)

var log = logging.Logger("bridge")

// Task pairs one upstream response with the downstream HTTPS response
// it feeds through a RingBuffer, the "bridge task" of the glossary.
type Task struct {
	// ID identifies this task across its log lines, the "request/task
	// IDs in logs" idiom this module follows throughout.
	ID string

	Upstream   *http.Response
	Downstream http.ResponseWriter

	Scheme              string
	LegacyHostname      string
	RealOriginAuthority string

	buf *RingBuffer

	bytesWritten atomic.Int64
	upstreamDone atomic.Bool
	upstreamErr  atomic.Value // error
}

// NewTask builds a bridge task for one request/response pair.
func NewTask(upstream *http.Response, downstream http.ResponseWriter, scheme, legacyHostname, realOriginAuthority string) *Task {
	return &Task{
		ID:                  uuid.NewString(),
		Upstream:            upstream,
		Downstream:          downstream,
		Scheme:              scheme,
		LegacyHostname:      legacyHostname,
		RealOriginAuthority: realOriginAuthority,
		buf:                 NewRingBuffer(DefaultCapacity),
	}
}

// Run drives the task to completion: it rewrites the response header
// and writes it just ahead of the first body byte (header rewrites
// are applied before any body byte is delivered, per §5's ordering
// guarantee, and an upstream that fails before any byte can still be
// answered with the canned error page), then pumps bytes from
// Upstream.Body into the ring buffer on one goroutine while draining
// it to Downstream on the calling goroutine, registering the pump
// goroutine with r so shutdown can cancel it (the process-wide task
// list of §4.10, realized as the reactor's tracked-task set rather
// than a separate doubly-linked list — see internal/reactor).
func (t *Task) Run(ctx context.Context, r *reactor.Reactor) error {
	headers, warnings := RewriteHeaders(t.Upstream.Header, t.Scheme, t.LegacyHostname, t.RealOriginAuthority)
	for _, w := range warnings {
		log.Warnf("bridge[%s]: %s", t.ID, w)
	}
	AddCORSHeader(headers, t.Scheme, t.LegacyHostname)

	dstHeader := t.Downstream.Header()
	for k, vs := range headers {
		for _, v := range vs {
			dstHeader.Add(k, v)
		}
	}

	pumpCtx, untrack := r.Track()
	defer untrack()

	go t.pumpUpstream(pumpCtx)

	return t.drainToDownstream(pumpCtx)
}

// pumpUpstream is the single producer: it reads Upstream.Body into
// the ring buffer until EOF or an error, applying the backpressure
// protocol of §4.10 (pausing whenever the buffer fills).
func (t *Task) pumpUpstream(ctx context.Context) {
	defer t.Upstream.Body.Close()
	// Wake a consumer parked on an empty buffer once upstreamDone is set.
	defer signal(t.buf.notEmpty)
	buf := make([]byte, 4096)
	for {
		n, err := t.Upstream.Body.Read(buf)
		if n > 0 {
			if _, werr := t.buf.BlockingWrite(ctx, buf[:n]); werr != nil {
				t.upstreamErr.Store(werr)
				t.upstreamDone.Store(true)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.upstreamErr.Store(err)
			}
			t.upstreamDone.Store(true)
			return
		}
	}
}

// drainToDownstream is the single consumer: it reads the ring buffer
// and writes to Downstream until the producer is done AND the buffer
// is drained — §4.10's completion condition exactly.
func (t *Task) drainToDownstream(ctx context.Context) error {
	buf := make([]byte, 4096)
	flusher, _ := t.Downstream.(http.Flusher)

	for {
		n, err := t.buf.BlockingRead(ctx, buf, t.upstreamDone.Load)
		if err != nil {
			return err
		}
		if n == 0 && t.upstreamDone.Load() && t.buf.Len() == 0 {
			if v := t.upstreamErr.Load(); v != nil {
				uerr := v.(error)
				if t.bytesWritten.Load() == 0 {
					t.writeErrorPage()
				}
				return uerr
			}
			if t.bytesWritten.Load() == 0 {
				t.Downstream.WriteHeader(t.Upstream.StatusCode)
			}
			return nil
		}
		if n == 0 {
			continue
		}
		if t.bytesWritten.Load() == 0 {
			t.Downstream.WriteHeader(t.Upstream.StatusCode)
		}
		if _, werr := t.Downstream.Write(buf[:n]); werr != nil {
			return werr
		}
		t.bytesWritten.Add(int64(n))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeErrorPage substitutes a canned failure page, used only when
// the upstream fails before any byte has reached the browser (§4.10's
// completion rule for a failed, not-yet-started response).
func (t *Task) writeErrorPage() {
	t.Downstream.Header().Set("Content-Type", "text/plain; charset=utf-8")
	t.Downstream.WriteHeader(http.StatusBadGateway)
	io.WriteString(t.Downstream, "zns: upstream connection failed\n")
}
