// Package dht defines the DHT collaborator contract the resolver
// depends on (§4.4's "send a block-fetch request to the DHT
// collaborator") and, in adapter.go, the reference implementation
// wrapping a real libp2p Kademlia DHT.
package dht

import (
	"context"

	"github.com/zns-net/zns/internal/record"
)

// Collaborator is the DHT substrate the resolver treats as an
// external collaborator per spec.md §1's non-goals: this package
// owns talking to it, the resolver only ever calls Get/Put.
type Collaborator interface {
	// Get requests the block filed under query. The returned channel
	// yields at most one block and is then closed; callers select on
	// it alongside their own timeout.
	Get(ctx context.Context, query [32]byte) (<-chan record.Block, error)

	// Put announces a newly (re-)signed block to the network.
	Put(ctx context.Context, block record.Block) error
}
