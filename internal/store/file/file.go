// Package file implements store.Backend as one JSON sidecar file per
// zone under a base directory, adapted from the teacher's
// loadExistingPreconfs/metaFile-per-entry pattern: load everything
// found on disk at startup, then keep the in-memory index and the
// on-disk file in lock-step on every write.
package file

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/store"
	"github.com/zns-net/zns/internal/xcrypto"
)

const defaultBlockCacheSize = 4096

type zoneRow struct {
	zoneSK  xcrypto.PrivateKey
	label   string
	records []record.Record
}

// labelEntry is one label's record-set as persisted: the record
// wire encoding plus the count Deserialize needs to parse it back.
type labelEntry struct {
	Count   int    `json:"count"`
	WireHex string `json:"wire"`
}

type zoneFile struct {
	ZoneSKHex string                `json:"zone_sk"`
	Labels    map[string]labelEntry `json:"labels"`
}

// Backend is a disk-backed store.Backend: one <baseDir>/<zone-hex>.json
// file per zone, loaded eagerly at New and rewritten on every
// StoreRecords. Cached signed blocks are kept in memory only — they're
// rebuilt from the on-disk records at New and on every StoreRecords, so
// persisting them would just be redundant derived state. A LookupBlock
// miss does not rebuild a block.
type Backend struct {
	mu       sync.RWMutex
	baseDir  string
	rows     map[string]*zoneRow // key: raw zone pubkey bytes + "\x00" + label
	order    []string
	blocks   *lru.Cache[[32]byte, record.Block]
}

// New loads every *.json file already present under baseDir, then
// returns a backend ready to serve reads and writes against it.
func New(baseDir string) (*Backend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, &store.StorageError{Op: "file-new", Err: err}
	}
	cache, err := lru.New[[32]byte, record.Block](defaultBlockCacheSize)
	if err != nil {
		return nil, &store.StorageError{Op: "file-new", Err: err}
	}
	b := &Backend{
		baseDir: baseDir,
		rows:    make(map[string]*zoneRow),
		blocks:  cache,
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) load() error {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return &store.StorageError{Op: "file-load", Err: err}
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.baseDir, ent.Name()))
		if err != nil {
			continue
		}
		var zf zoneFile
		if err := json.Unmarshal(data, &zf); err != nil {
			continue
		}
		skBytes, err := hex.DecodeString(zf.ZoneSKHex)
		if err != nil {
			continue
		}
		zoneSK, err := xcrypto.PrivateKeyFromBytes(skBytes)
		if err != nil {
			continue
		}
		for label, le := range zf.Labels {
			wire, err := hex.DecodeString(le.WireHex)
			if err != nil {
				continue
			}
			records, err := record.Deserialize(wire, le.Count)
			if err != nil {
				continue
			}
			key := rowKey(zoneSK.Public(), label)
			b.rows[key] = &zoneRow{zoneSK: zoneSK, label: label, records: records}
			b.order = append(b.order, key)

			if blk, err := store.BuildBlock(zoneSK, label, records, time.Now()); err == nil {
				b.blocks.Add(blk.Query(), blk)
			}
		}
	}
	return nil
}

func rowKey(zonePub xcrypto.PublicKey, label string) string {
	return string(zonePub.Bytes()) + "\x00" + label
}

func (b *Backend) zoneFilePath(zonePub xcrypto.PublicKey) string {
	return filepath.Join(b.baseDir, hex.EncodeToString(zonePub.Bytes())+".json")
}

// persistZone rewrites the sidecar file for zonePub from the current
// in-memory rows. Caller must hold b.mu.
func (b *Backend) persistZone(zonePub xcrypto.PublicKey, zoneSK xcrypto.PrivateKey) error {
	zf := zoneFile{
		ZoneSKHex: hex.EncodeToString(zoneSK.Bytes()),
		Labels:    make(map[string]labelEntry),
	}
	prefix := string(zonePub.Bytes())
	for _, key := range b.order {
		row, ok := b.rows[key]
		if !ok || string(row.zoneSK.Public().Bytes()) != prefix {
			continue
		}
		zf.Labels[row.label] = labelEntry{
			Count:   len(row.records),
			WireHex: hex.EncodeToString(record.Serialize(row.records)),
		}
	}

	path := b.zoneFilePath(zonePub)
	if len(zf.Labels) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &store.StorageError{Op: "file-persist", Err: err}
		}
		return nil
	}

	data, err := json.MarshalIndent(zf, "", "  ")
	if err != nil {
		return &store.StorageError{Op: "file-persist", Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &store.StorageError{Op: "file-persist", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &store.StorageError{Op: "file-persist", Err: err}
	}
	return nil
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

	// Rows, sidecar file and cached block change under one lock hold.
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(records) == 0 {
		delete(b.rows, key)
		for i, k := range b.order {
			if k == key {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	} else {
		if _, exists := b.rows[key]; !exists {
			b.order = append(b.order, key)
		}
		b.rows[key] = &zoneRow{zoneSK: zoneSK, label: label, records: records}
	}
	if err := b.persistZone(zonePub, zoneSK); err != nil {
		return err
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
		if zone != nil && string(row.zoneSK.Public().Bytes()) != prefix {
			continue
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

func (b *Backend) Close() error { return nil }
