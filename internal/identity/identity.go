// Package identity maps local ego names to zone keypairs (§4.5),
// backed by one locked key file per ego under a configured directory
// (§6's "Persisted state"), with a subscribe/notify API for consumers
// that follow ego changes. The proxy's bootstrap path reads its root
// zone directly through Zone/Create.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/xcrypto"
)

var log = logging.Logger("identity")

var (
	// ErrNameInUse is returned by Create when ego is already registered.
	ErrNameInUse = errors.New("identity: ego name already in use")
	// ErrNoSuchEgo is returned by Rename/Delete for an unknown ego.
	ErrNoSuchEgo = errors.New("identity: no such ego")
)

// EventKind distinguishes the three notifications a subscriber sees.
type EventKind int

const (
	EventCreated EventKind = iota
	EventRenamed
	EventDeleted
)

// Event is one change (or, during initial sync, one existing entry)
// delivered to a subscriber.
type Event struct {
	Kind   EventKind
	Ego    string
	OldEgo string // set only for EventRenamed
	Zone   xcrypto.PublicKey
}

type entry struct {
	sk  xcrypto.PrivateKey
	pub xcrypto.PublicKey
}

// Registry is the in-process ego->zone map, persisted under dir.
type Registry struct {
	mu          sync.RWMutex
	dir         string
	egos        map[string]entry
	subscribers map[int]chan Event
	nextSub     int
}

// indexFile is the ego-name -> public-key-hex mapping; the key
// material itself lives in per-ego locked files named by short hash.
type indexFile struct {
	Egos map[string]string `json:"egos"` // ego -> pubkey hex
}

// Open loads every ego recorded in dir's index file, verifying each
// one's key file still matches the public key the index expects.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: mkdir %s: %w", dir, err)
	}
	r := &Registry{
		dir:         dir,
		egos:        make(map[string]entry),
		subscribers: make(map[int]chan Event),
	}

	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	for ego, pubHex := range idx.Egos {
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil {
			continue
		}
		pub, err := xcrypto.PublicKeyFromBytes(pubBytes)
		if err != nil {
			continue
		}
		skBytes, err := os.ReadFile(r.keyPath(pub))
		if err != nil {
			continue
		}
		sk, err := xcrypto.PrivateKeyFromBytes(skBytes)
		if err != nil {
			continue
		}
		if !sk.Public().Equal(pub) {
			// The key file's content doesn't match the identity its
			// filename claims. Leave it on disk untouched; log it and
			// skip loading this ego.
			log.Errorf("identity: key file %s does not match ego %q; skipped", r.keyPath(pub), ego)
			continue
		}
		r.egos[ego] = entry{sk: sk, pub: pub}
	}
	return r, nil
}

func shortHash(pub xcrypto.PublicKey) string {
	h := xcrypto.Hash(pub.Bytes())
	return hex.EncodeToString(h[:8])
}

func (r *Registry) keyPath(pub xcrypto.PublicKey) string {
	return filepath.Join(r.dir, shortHash(pub)+".key")
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.dir, "egos.json")
}

func (r *Registry) readIndex() (indexFile, error) {
	data, err := os.ReadFile(r.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return indexFile{Egos: map[string]string{}}, nil
	}
	if err != nil {
		return indexFile{}, fmt.Errorf("identity: read index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexFile{}, fmt.Errorf("identity: parse index: %w", err)
	}
	if idx.Egos == nil {
		idx.Egos = map[string]string{}
	}
	return idx, nil
}

// writeIndex must be called with r.mu held.
func (r *Registry) writeIndex() error {
	idx := indexFile{Egos: make(map[string]string, len(r.egos))}
	for ego, e := range r.egos {
		idx.Egos[ego] = hex.EncodeToString(e.pub.Bytes())
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal index: %w", err)
	}
	tmp := r.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("identity: write index: %w", err)
	}
	return os.Rename(tmp, r.indexPath())
}

// writeKeyFile persists sk under an exclusively-locked file.
func writeKeyFile(path string, sk xcrypto.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("identity: open key file: %w", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("identity: lock key file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if _, err := f.Write(sk.Bytes()); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	return nil
}

// Create generates a fresh zone keypair for ego and persists it.
func (r *Registry) Create(ego string) (xcrypto.PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.egos[ego]; exists {
		return xcrypto.PublicKey{}, ErrNameInUse
	}

	sk, pub, err := xcrypto.GenerateKey()
	if err != nil {
		return xcrypto.PublicKey{}, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := writeKeyFile(r.keyPath(pub), sk); err != nil {
		return xcrypto.PublicKey{}, err
	}

	r.egos[ego] = entry{sk: sk, pub: pub}
	if err := r.writeIndex(); err != nil {
		delete(r.egos, ego)
		return xcrypto.PublicKey{}, err
	}

	r.notify(Event{Kind: EventCreated, Ego: ego, Zone: pub})
	return pub, nil
}

// Rename moves a zone's entry from oldEgo to newEgo. The underlying
// key file (named by public-key hash) is untouched.
func (r *Registry) Rename(oldEgo, newEgo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.egos[oldEgo]
	if !exists {
		return ErrNoSuchEgo
	}
	if _, exists := r.egos[newEgo]; exists {
		return ErrNameInUse
	}

	delete(r.egos, oldEgo)
	r.egos[newEgo] = e
	if err := r.writeIndex(); err != nil {
		r.egos[oldEgo] = e
		delete(r.egos, newEgo)
		return err
	}

	r.notify(Event{Kind: EventRenamed, Ego: newEgo, OldEgo: oldEgo, Zone: e.pub})
	return nil
}

// Delete removes ego's entry and its key file.
func (r *Registry) Delete(ego string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.egos[ego]
	if !exists {
		return ErrNoSuchEgo
	}

	delete(r.egos, ego)
	if err := r.writeIndex(); err != nil {
		r.egos[ego] = e
		return err
	}
	_ = os.Remove(r.keyPath(e.pub))

	r.notify(Event{Kind: EventDeleted, Ego: ego, Zone: e.pub})
	return nil
}

// Zone returns the keypair registered for ego.
func (r *Registry) Zone(ego string) (xcrypto.PrivateKey, xcrypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.egos[ego]
	return e.sk, e.pub, ok
}

// Subscribe registers a new subscriber, synchronously delivering one
// EventCreated per existing ego before returning, then streaming
// deltas until unsubscribe is called.
func (r *Registry) Subscribe() (events <-chan Event, unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, len(r.egos)+8)
	for ego, e := range r.egos {
		ch <- Event{Kind: EventCreated, Ego: ego, Zone: e.pub}
	}

	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if ch, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(ch)
		}
	}
}

// notify must be called with r.mu held.
func (r *Registry) notify(ev Event) {
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// A slow subscriber misses a delta rather than stalling
			// every Create/Rename/Delete call.
		}
	}
}
