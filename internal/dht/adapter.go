package dht

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"

	"github.com/zns-net/zns/internal/record"
)

// announceTopic is the pubsub topic newly-signed blocks are pushed to
// so subscribed peers don't have to wait for their own GetValue to
// land in the DHT's eventual-consistency window.
const announceTopic = "/zns/blocks/v1"

// msgIDFn mirrors the teacher's snappy-domain-separated message-id
// scheme, renamed from "is this a valid OP Stack preconf payload" to
// "is this a valid snappy-compressed block".
func msgIDFn() pubsub.MsgIdFunction {
	validDomain := []byte("ZNS_BLOCK_DOMAIN_VALID_SNAPPY")
	invalidDomain := []byte("ZNS_BLOCK_DOMAIN_INVALID_SNAPPY")
	return func(pmsg *pb.Message) string {
		data := pmsg.Data
		h := sha256.New()
		if dec, err := snappy.Decode(nil, data); err == nil {
			h.Write(validDomain)
			h.Write(dec)
		} else {
			h.Write(invalidDomain)
			h.Write(data)
		}
		sum := h.Sum(nil)
		return string(sum[:20])
	}
}

// blockValidator implements go-libp2p-record's Validator for the
// "zns" namespace: it only rejects values that don't even decode as a
// block. Signature verification against the specific derived key
// being queried happens downstream in internal/resolve, which is the
// only place that knows which zone/label a query was derived from.
type blockValidator struct{}

func (blockValidator) Validate(key string, value []byte) error {
	if _, err := record.DecodeBlock(value); err != nil {
		return fmt.Errorf("dht: invalid zns record: %w", err)
	}
	return nil
}

// Select picks the longest-lived candidate among multiple values
// stored under the same key, on the theory that a zone owner
// republishing a block only extends its expiration.
func (blockValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestBlock record.Block
	for i, v := range values {
		blk, err := record.DecodeBlock(v)
		if err != nil {
			continue
		}
		if best == -1 || blk.Expiration.After(bestBlock.Expiration) {
			best = i
			bestBlock = blk
		}
	}
	if best == -1 {
		return 0, errors.New("dht: no valid zns record among candidates")
	}
	return best, nil
}

// dhtKey maps a block's query hash to the libp2p routing key space:
// a multihash-wrapped digest (the content-addressing convention
// go-libp2p-kad-dht's own record validators expect) under a fixed
// namespace prefix.
func dhtKey(query [32]byte) string {
	mh, err := multihash.Sum(query[:], multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only fails for unsupported codes/lengths;
		// SHA2_256 with the default length never does.
		panic(fmt.Sprintf("dht: multihash.Sum: %v", err))
	}
	return "/zns/" + mh.B58String()
}

// Adapter is the reference Collaborator: a libp2p host running a
// Kademlia DHT for GetValue/PutValue plus a gossip topic for
// proactive push, grounded on the teacher's host/DHT bootstrap
// sequence in gossipPreconfCapture.
type Adapter struct {
	host  host.Host
	kdht  *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	announce chan record.Block
	cancel   context.CancelFunc
}

// NewAdapter brings up a libp2p host, bootstraps a Kademlia DHT
// against bootstrapPeers (multiaddr strings), and joins the
// block-announce gossip topic.
func NewAdapter(ctx context.Context, bootstrapPeers []string) (*Adapter, error) {
	h, err := libp2p.New(
		libp2p.EnableRelay(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("dht: libp2p host: %w", err)
	}

	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto),
		dht.NamespacedValidator("zns", blockValidator{}))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: kad-dht init: %w", err)
	}

	for _, addrStr := range bootstrapPeers {
		addr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		_ = h.Connect(ctx, *info)
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: bootstrap: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageIdFn(msgIDFn()))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: gossipsub: %w", err)
	}
	topic, err := ps.Join(announceTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		host:     h,
		kdht:     kdht,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		announce: make(chan record.Block, 32),
		cancel:   cancel,
	}
	go a.readLoop(loopCtx)
	return a, nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		msg, err := a.sub.Next(ctx)
		if err != nil {
			return
		}
		dec, err := snappy.Decode(nil, msg.Data)
		if err != nil {
			continue
		}
		blk, err := record.DecodeBlock(dec)
		if err != nil {
			continue
		}
		select {
		case a.announce <- blk:
		default:
			// Drop under backpressure; the resolver will still find
			// the block via GetValue on its next miss.
		}
	}
}

// Announced yields blocks pushed by peers via the gossip topic,
// independent of any specific Get call.
func (a *Adapter) Announced() <-chan record.Block { return a.announce }

func (a *Adapter) Get(ctx context.Context, query [32]byte) (<-chan record.Block, error) {
	ch := make(chan record.Block, 1)
	go func() {
		defer close(ch)
		val, err := a.kdht.GetValue(ctx, dhtKey(query))
		if err != nil {
			return
		}
		blk, err := record.DecodeBlock(val)
		if err != nil {
			return
		}
		ch <- blk
	}()
	return ch, nil
}

func (a *Adapter) Put(ctx context.Context, block record.Block) error {
	data := record.EncodeBlock(block)
	if err := a.kdht.PutValue(ctx, dhtKey(block.Query()), data); err != nil {
		return fmt.Errorf("dht: put value: %w", err)
	}
	return a.topic.Publish(ctx, snappy.Encode(nil, data))
}

// Close tears down the gossip subscription/topic and the libp2p host.
func (a *Adapter) Close() error {
	a.cancel()
	a.sub.Cancel()
	if err := a.topic.Close(); err != nil {
		return err
	}
	return a.host.Close()
}
