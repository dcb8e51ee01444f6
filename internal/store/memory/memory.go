// Package memory implements store.Backend entirely in process memory,
// adapted from the teacher's preconfStorage: a mutex-guarded map plus
// a ticker-driven cleanup goroutine, with the unbounded block index
// swapped for a bounded LRU since a long-running resolver (unlike a
// one-shot capture tool) needs an eviction policy.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/store"
	"github.com/zns-net/zns/internal/xcrypto"
)

// DefaultBlockCacheSize bounds the number of signed blocks held at
// once, the memory backend's equivalent of the teacher's maxAge-driven
// eviction but sized on count rather than age.
const DefaultBlockCacheSize = 4096

// DefaultCleanupInterval is used by New when interval is zero.
const DefaultCleanupInterval = 5 * time.Minute

type zoneRow struct {
	zoneSK  xcrypto.PrivateKey
	label   string
	records []record.Record
}

// Backend is an in-memory store.Backend. Safe for concurrent use.
type Backend struct {
	mu      sync.RWMutex
	rows    map[string]*zoneRow // key: raw zone pubkey bytes + "\x00" + label
	order   []string            // insertion order of rows, for IterateRecords
	blocks  *lru.Cache[[32]byte, record.Block]
	cleanup *time.Ticker
	done    chan struct{}
}

// New creates an empty memory backend with a cleanup goroutine that
// evicts expired cached blocks every interval.
func New(interval time.Duration) (*Backend, error) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	cache, err := lru.New[[32]byte, record.Block](DefaultBlockCacheSize)
	if err != nil {
		return nil, &store.StorageError{Op: "memory-new", Err: err}
	}
	b := &Backend{
		rows:    make(map[string]*zoneRow),
		blocks:  cache,
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go b.cleanupLoop()
	return b, nil
}

func (b *Backend) cleanupLoop() {
	for {
		select {
		case <-b.cleanup.C:
			b.evictExpired(time.Now())
		case <-b.done:
			return
		}
	}
}

func (b *Backend) evictExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.blocks.Keys() {
		blk, ok := b.blocks.Peek(q)
		if ok && now.After(blk.Expiration) {
			b.blocks.Remove(q)
		}
	}
}

func rowKey(zonePub xcrypto.PublicKey, label string) string {
	return string(zonePub.Bytes()) + "\x00" + label
}

func (b *Backend) CacheBlock(_ context.Context, blk record.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks.Add(blk.Query(), blk)
	return nil
}

func (b *Backend) LookupBlock(_ context.Context, query [32]byte) (record.Block, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blk, ok := b.blocks.Get(query)
	if !ok {
		return record.Block{}, false, nil
	}
	if time.Now().After(blk.Expiration) {
		return record.Block{}, false, nil
	}
	return blk, true, nil
}

func (b *Backend) StoreRecords(ctx context.Context, zoneSK xcrypto.PrivateKey, label string, records []record.Record) error {
	zonePub := zoneSK.Public()
	key := rowKey(zonePub, label)

	blk, err := store.BuildBlock(zoneSK, label, records, time.Now())
	if err != nil {
		return &store.StorageError{Op: "store-records", Err: err}
	}

	// Rows and cached block change under one lock hold.
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(records) == 0 {
		if _, exists := b.rows[key]; exists {
			delete(b.rows, key)
			for i, k := range b.order {
				if k == key {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		}
	} else {
		if _, exists := b.rows[key]; !exists {
			b.order = append(b.order, key)
		}
		b.rows[key] = &zoneRow{zoneSK: zoneSK, label: label, records: records}
	}
	b.blocks.Add(blk.Query(), blk)
	return nil
}

func (b *Backend) IterateRecords(_ context.Context, zone *xcrypto.PublicKey, offset int) (store.ZoneEntry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var prefix string
	if zone != nil {
		prefix = string(zone.Bytes())
	}

	idx := 0
	for _, key := range b.order {
		row, ok := b.rows[key]
		if !ok {
			continue
		}
		if zone != nil {
			if string(row.zoneSK.Public().Bytes()) != prefix {
				continue
			}
		}
		if idx == offset {
			return store.ZoneEntry{ZoneSK: row.zoneSK, Label: row.label, Records: row.records}, true, nil
		}
		idx++
	}
	return store.ZoneEntry{}, false, nil
}

func (b *Backend) ZoneToName(_ context.Context, zoneSK xcrypto.PrivateKey, target xcrypto.PublicKey) (string, bool, error) {
	zonePub := zoneSK.Public()
	targetBytes := target.Bytes()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range b.order {
		row, ok := b.rows[key]
		if !ok || string(row.zoneSK.Public().Bytes()) != string(zonePub.Bytes()) {
			continue
		}
		for _, r := range row.records {
			if r.Type == record.TypeDelegation && string(r.Data) == string(targetBytes) {
				return row.label, true, nil
			}
		}
	}
	return "", false, nil
}

func (b *Backend) Close() error {
	b.cleanup.Stop()
	close(b.done)
	return nil
}
