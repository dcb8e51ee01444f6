package socks5

import (
	"encoding/base32"
	"strings"

	"github.com/zns-net/zns/internal/xcrypto"
)

// ManagedSuffixes resolves a dialed hostname down to (root zone, name
// to resolve under it), recognizing the two suffix forms spec.md §4.7
// calls out: a human-readable one (an operator-configured alias for a
// single root zone) and a key-based one (the label immediately before
// the suffix is the zone's own public key, base32-encoded, needing no
// prior configuration). Matching is case-insensitive and anchored to
// a label boundary.
type ManagedSuffixes struct {
	// HumanReadable is the suffix (no leading dot) aliasing Root, e.g.
	// "zns" for "example.zns".
	HumanReadable string
	// Root is the zone HumanReadable resolves into.
	Root xcrypto.PublicKey
	// KeySuffix is the suffix (no leading dot) whose preceding label
	// must decode as a raw zone public key, e.g. "zkey" for
	// "<base32-pubkey>.zkey".
	KeySuffix string
}

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Match reports whether host falls under a managed suffix, returning
// the root zone to resolve against and the remaining name (with the
// suffix, and for the key-based form the key label itself, removed).
func (m ManagedSuffixes) Match(host string) (root xcrypto.PublicKey, rest string, ok bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if m.HumanReadable != "" {
		suffix := "." + strings.ToLower(m.HumanReadable)
		if host == strings.ToLower(m.HumanReadable) {
			return m.Root, "", true
		}
		if strings.HasSuffix(host, suffix) {
			return m.Root, strings.TrimSuffix(host, suffix), true
		}
	}

	if m.KeySuffix != "" {
		suffix := "." + strings.ToLower(m.KeySuffix)
		if strings.HasSuffix(host, suffix) {
			withoutSuffix := strings.TrimSuffix(host, suffix)
			keyLabel := withoutSuffix
			rest := ""
			if i := strings.LastIndex(withoutSuffix, "."); i >= 0 {
				keyLabel = withoutSuffix[i+1:]
				rest = withoutSuffix[:i]
			}
			raw, err := keyEncoding.DecodeString(strings.ToUpper(keyLabel))
			if err != nil {
				return xcrypto.PublicKey{}, "", false
			}
			pub, err := xcrypto.PublicKeyFromBytes(raw)
			if err != nil {
				return xcrypto.PublicKey{}, "", false
			}
			return pub, rest, true
		}
	}

	return xcrypto.PublicKey{}, "", false
}
