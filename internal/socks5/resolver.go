package socks5

import (
	"context"
	"fmt"
	"net"

	"github.com/zns-net/zns/internal/dht"
	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/resolve"
	"github.com/zns-net/zns/internal/store"
)

// DNSResolver resolves ordinary (non-managed-suffix) domains through
// the system resolver, the REQUEST phase's "else resolve via DNS"
// branch in spec.md §4.7. It never produces a legacy hostname.
type DNSResolver struct {
	Resolver *net.Resolver
}

func (d DNSResolver) Resolve(ctx context.Context, host string) (net.IP, string, error) {
	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, "", fmt.Errorf("dns lookup %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, "", fmt.Errorf("dns lookup %q: no addresses", host)
	}
	return ips[0], "", nil
}

// NamingResolver resolves a managed-suffix hostname through the
// naming system (§4.4), the REQUEST phase's "if address is domain
// under a managed top-level-suffix" branch.
type NamingResolver struct {
	Suffixes     ManagedSuffixes
	Backend      store.Backend
	Collaborator dht.Collaborator
	Options      resolve.Options
}

// ErrNotManaged is returned when host doesn't fall under either
// configured managed suffix; callers should fall back to DNSResolver.
var ErrNotManaged = fmt.Errorf("socks5: host is not under a managed suffix")

func (n NamingResolver) Resolve(ctx context.Context, host string) (net.IP, string, error) {
	root, name, ok := n.Suffixes.Match(host)
	if !ok {
		return nil, "", ErrNotManaged
	}
	result, err := resolve.Resolve(ctx, n.Backend, n.Collaborator, root, name, n.Options)
	if err != nil {
		return nil, "", err
	}
	if result.Address == nil {
		return nil, "", fmt.Errorf("socks5: %q resolved to a record-set with no address", host)
	}
	var ip net.IP
	switch result.AddressFamily {
	case record.TypeA:
		ip = net.IP(result.Address).To4()
	case record.TypeAAAA:
		ip = net.IP(result.Address)
	default:
		return nil, "", fmt.Errorf("socks5: %q resolved to unsupported address family %d", host, result.AddressFamily)
	}
	return ip, result.LegacyHostname, nil
}

// DualResolver tries the naming system first and falls back to DNS
// for hosts outside any managed suffix, the combined behavior the
// SOCKS5 REQUEST phase's branch in spec.md §4.7 describes.
type DualResolver struct {
	Naming NamingResolver
	DNS    DNSResolver
}

func (d DualResolver) Resolve(ctx context.Context, host string) (net.IP, string, error) {
	ip, legacy, err := d.Naming.Resolve(ctx, host)
	if err == nil {
		return ip, legacy, nil
	}
	if err == ErrNotManaged {
		return d.DNS.Resolve(ctx, host)
	}
	return nil, "", err
}
