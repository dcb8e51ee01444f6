package main

import (
	"context"
	"net"
	"time"

	"github.com/zns-net/zns/internal/metrics"
	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/socks5"
	"github.com/zns-net/zns/internal/store"
)

// instrumentedStore decorates a store.Backend with the ambient
// store-hit/miss counters (§9), without the backends themselves
// needing to know metrics exist.
type instrumentedStore struct {
	store.Backend
	metrics *metrics.Metrics
}

func (s instrumentedStore) LookupBlock(ctx context.Context, query [32]byte) (record.Block, bool, error) {
	b, ok, err := s.Backend.LookupBlock(ctx, query)
	if err == nil {
		if ok {
			s.metrics.StoreHits.Inc()
		} else {
			s.metrics.StoreMisses.Inc()
		}
	}
	return b, ok, err
}

// instrumentedResolver decorates a socks5.Resolver with resolve
// latency/error counters (§9).
type instrumentedResolver struct {
	inner   socks5.Resolver
	metrics *metrics.Metrics
}

func (r instrumentedResolver) Resolve(ctx context.Context, host string) (net.IP, string, error) {
	start := time.Now()
	ip, legacy, err := r.inner.Resolve(ctx, host)
	r.metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.ResolveErrors.WithLabelValues("error").Inc()
	}
	return ip, legacy, err
}
