// Package resolve implements name resolution by recursive delegation
// traversal (§4.4): split the name into labels, walk delegations zone
// by zone, falling back to the DHT collaborator on a local miss.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zns-net/zns/internal/dht"
	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/store"
	"github.com/zns-net/zns/internal/xcrypto"
)

// DefaultTimeout is the total wall-clock budget for one Resolve call.
const DefaultTimeout = 30 * time.Second

// DefaultFetchTimeout bounds how long a single DHT round trip may
// take before the resolver gives up on that step specifically and
// fails the whole resolution.
const DefaultFetchTimeout = 5 * time.Second

var (
	// ErrResolutionCycle is returned when traversal revisits a zone
	// already seen earlier in the same resolution.
	ErrResolutionCycle = errors.New("resolve: delegation cycle detected")

	// ErrResolutionTimeout is returned once the per-request budget is
	// exceeded.
	ErrResolutionTimeout = errors.New("resolve: exceeded resolution time budget")

	// ErrResolutionNoRecord is returned when no record-set exists for
	// the next (zone, label) step, locally or on the DHT.
	ErrResolutionNoRecord = errors.New("resolve: no record found")

	// ErrBlockVerification is returned when a block fetched from the
	// DHT does not verify under the zone/label it was requested for.
	ErrBlockVerification = errors.New("resolve: block failed signature verification")

	// ErrEmptyName is returned for a name with no labels.
	ErrEmptyName = errors.New("resolve: empty name")
)

// Options configures one Resolve call.
type Options struct {
	// Timeout bounds the whole call; zero means DefaultTimeout.
	Timeout time.Duration
	// FetchTimeout bounds a single DHT round trip; zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
	// PreferFamily, if record.TypeA or record.TypeAAAA, selects which
	// address family wins when a terminal record-set holds both;
	// zero means the default of record.TypeA (prefer IPv4).
	PreferFamily uint32
}

// Result is what a name resolved to.
type Result struct {
	// Zone is the final zone reached (the one owning the terminal
	// record-set).
	Zone xcrypto.PublicKey
	// Label is the final label consumed against Zone.
	Label string
	// Records is the terminal record-set as stored.
	Records []record.Record
	// Address is the chosen address record's data (4 or 16 bytes),
	// or nil if the record-set has no address record.
	Address []byte
	// AddressFamily is record.TypeA or record.TypeAAAA, matching
	// Address; zero if Address is nil.
	AddressFamily uint32
	// LegacyHostname is the first legacy-hostname record's value, or
	// empty if absent.
	LegacyHostname string
}

// Resolve walks name (dot-separated labels) starting at root,
// recursing through delegation records, consulting backend first and
// falling back to collaborator on a local miss. collaborator may be
// nil, in which case a local miss is a terminal ErrResolutionNoRecord
// rather than a DHT round trip.
func Resolve(ctx context.Context, backend store.Backend, collaborator dht.Collaborator, root xcrypto.PublicKey, name string, opts Options) (Result, error) {
	labels := splitLabelsRightmostFirst(name)
	if len(labels) == 0 {
		return Result{}, ErrEmptyName
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	z := root
	visited := map[string]bool{string(root.Bytes()): true}
	var legacyHostname string
	haveLegacyHostname := false

	for i, label := range labels {
		if err := ctx.Err(); err != nil {
			return Result{}, ErrResolutionTimeout
		}

		records, err := fetchRecordSet(ctx, backend, collaborator, fetchTimeout, z, label)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Result{}, ErrResolutionTimeout
			}
			return Result{}, err
		}

		// §4.4: the legacy-hostname attribute is extracted from any of
		// the intermediate or leaf record-sets, so the first one seen
		// anywhere along the traversal wins, not just the leaf's.
		if !haveLegacyHostname {
			if host, ok := firstLegacyHostname(records); ok {
				legacyHostname = host
				haveLegacyHostname = true
			}
		}

		delegation, found := firstDelegation(records)
		remaining := labels[i+1:]

		if found {
			next, err := xcrypto.PublicKeyFromBytes(delegation.Data)
			if err != nil {
				return Result{}, fmt.Errorf("resolve: malformed delegation at label %q: %w", label, err)
			}
			key := string(next.Bytes())
			if visited[key] {
				return Result{}, ErrResolutionCycle
			}
			visited[key] = true
			z = next
			continue
		}

		if len(remaining) > 0 {
			// No delegation to follow, but the name isn't fully
			// consumed: nothing further can be resolved.
			return Result{}, ErrResolutionNoRecord
		}

		result := Result{Zone: z, Label: label, Records: records}
		addr, family := pickAddress(records, opts.PreferFamily)
		result.Address = addr
		result.AddressFamily = family
		result.LegacyHostname = legacyHostname
		return result, nil
	}

	// Every label was consumed by a delegation with none left to
	// resolve a terminal record-set against.
	return Result{}, ErrResolutionNoRecord
}

// fetchRecordSet consults backend's block cache for (zone, label),
// falling back to collaborator.Get on a miss, verifying and caching
// whatever comes back per §4.4 step 5.
func fetchRecordSet(ctx context.Context, backend store.Backend, collaborator dht.Collaborator, fetchTimeout time.Duration, z xcrypto.PublicKey, label string) ([]record.Record, error) {
	derivedPub, err := xcrypto.DerivePublic(z, label)
	if err != nil {
		return nil, fmt.Errorf("resolve: deriving public key for label %q: %w", label, err)
	}
	query := record.BlockQuery(derivedPub.Bytes())

	blk, ok, err := backend.LookupBlock(ctx, query)
	if err != nil {
		return nil, err
	}

	if !ok {
		if collaborator == nil {
			return nil, ErrResolutionNoRecord
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		ch, err := collaborator.Get(fetchCtx, query)
		if err != nil {
			return nil, fmt.Errorf("resolve: dht get for label %q: %w", label, err)
		}

		select {
		case fetched, chOk := <-ch:
			if !chOk {
				return nil, ErrResolutionNoRecord
			}
			blk = fetched
		case <-fetchCtx.Done():
			return nil, fetchCtx.Err()
		}

		if !blk.Verify(derivedPub) {
			return nil, ErrBlockVerification
		}
		if err := backend.CacheBlock(ctx, blk); err != nil {
			return nil, err
		}
	}

	return store.OpenBlock(z, label, blk)
}

func firstDelegation(records []record.Record) (record.Record, bool) {
	for _, r := range records {
		if r.Type == record.TypeDelegation {
			return r, true
		}
	}
	return record.Record{}, false
}

func firstLegacyHostname(records []record.Record) (string, bool) {
	for _, r := range records {
		if r.Type == record.TypeLegacyHostname {
			return string(r.Data), true
		}
	}
	return "", false
}

// pickAddress returns the first address record's data and type,
// preferring preferFamily (record.TypeA/TypeAAAA), defaulting to
// record.TypeA (prefer IPv4) when unset, and falling back to the
// first address record of either family in stored order if the
// preferred family isn't present.
func pickAddress(records []record.Record, preferFamily uint32) ([]byte, uint32) {
	if preferFamily != record.TypeA && preferFamily != record.TypeAAAA {
		preferFamily = record.TypeA
	}
	for _, r := range records {
		if r.Type == preferFamily {
			return r.Data, r.Type
		}
	}
	for _, r := range records {
		if r.Type == record.TypeA || r.Type == record.TypeAAAA {
			return r.Data, r.Type
		}
	}
	return nil, 0
}

// splitLabelsRightmostFirst splits a dot-separated name into labels
// ordered rightmost first, dropping a single trailing empty label
// from a trailing dot (e.g. "www.example.com." == "www.example.com").
func splitLabelsRightmostFirst(name string) []string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ".")
	out := make([]string, len(parts))
	for i, j := 0, len(parts)-1; j >= 0; i, j = i+1, j-1 {
		out[i] = parts[j]
	}
	return out
}
