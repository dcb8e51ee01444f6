package httpsrv

import (
	"context"
	"net"
)

// connInfo carries what the SOCKS5 front-end learned about a
// connection (the name the browser dialed, the legacy hostname to
// present upstream, and the already-resolved origin address) through
// to the request handler via http.Server.ConnContext — the idiomatic
// way to attach per-connection metadata net/http has no other hook
// for.
type connInfo struct {
	Hostname       string
	LegacyHostname string
	ResolvedAddr   net.IP
	ResolvedPort   uint16
}

type contextKey struct{}

func withConnInfo(ctx context.Context, info connInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

func connInfoFromContext(ctx context.Context) (connInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(connInfo)
	return info, ok
}

// Hostname returns the name the browser dialed (the managed-suffix
// hostname), as seen by a request's context.
func Hostname(ctx context.Context) string {
	info, _ := connInfoFromContext(ctx)
	return info.Hostname
}

// LegacyHostname returns the hostname to present to the real origin
// (the legacy-hostname record, empty when none was found), as seen by
// a request's context.
func LegacyHostname(ctx context.Context) string {
	info, _ := connInfoFromContext(ctx)
	return info.LegacyHostname
}

// ResolvedOrigin returns the address/port the naming system (or DNS)
// resolved for this request, for C9's upstream dialer to target
// directly instead of re-resolving.
func ResolvedOrigin(ctx context.Context) (net.IP, uint16) {
	info, _ := connInfoFromContext(ctx)
	return info.ResolvedAddr, info.ResolvedPort
}
