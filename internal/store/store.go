// Package store defines the record-store plugin contract (§4.3): the
// same Backend interface is implemented by the memory, file and mysql
// sub-packages. Signing happens exactly once, inside StoreRecords, at
// store time — never again on a read path, which is the bug this
// design explicitly avoids repeating from the reference it's modeled
// on.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/xcrypto"
)

// StorageError wraps a backend failure. Per spec.md §7 it is transient
// for IterateRecords (the caller may simply stop iterating early) and
// fatal for StoreRecords (it must be surfaced to the caller).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ZoneEntry is one (zone, label) -> record-set row, as returned by
// IterateRecords.
type ZoneEntry struct {
	ZoneSK  xcrypto.PrivateKey
	Label   string
	Records []record.Record
}

// Backend is the pluggable record-store contract fixed by §4.3. All
// methods must be safe for concurrent use; StoreRecords must be
// atomic with respect to concurrent CacheBlock/LookupBlock/
// IterateRecords calls touching the same (zone, label).
type Backend interface {
	// CacheBlock overwrites any block previously cached under the
	// same derived public key (at-most-one-per-derived-pub).
	CacheBlock(ctx context.Context, b record.Block) error

	// LookupBlock returns the cached block for query, or ok == false
	// if none is cached (or it has expired).
	LookupBlock(ctx context.Context, query [32]byte) (b record.Block, ok bool, err error)

	// StoreRecords replaces the authoritative record-set for
	// (zoneSK, label). An empty records slice deletes the entry.
	// Re-signs and re-caches the resulting block as part of the same
	// call.
	StoreRecords(ctx context.Context, zoneSK xcrypto.PrivateKey, label string, records []record.Record) error

	// IterateRecords returns the offset-th entry under the backend's
	// own stable-for-the-iteration order. zone == nil iterates every
	// zone. ok == false once offset runs past the end.
	IterateRecords(ctx context.Context, zone *xcrypto.PublicKey, offset int) (entry ZoneEntry, ok bool, err error)

	// ZoneToName finds a delegation record in zoneSK's records whose
	// data equals target's 64-byte encoding, returning its label.
	ZoneToName(ctx context.Context, zoneSK xcrypto.PrivateKey, target xcrypto.PublicKey) (label string, ok bool, err error)

	// Close releases any resources (file handles, DB connections,
	// cleanup goroutines) held by the backend.
	Close() error
}

// BuildBlock signs and encrypts records under (zoneSK, label) as of
// now, producing the block that StoreRecords caches. Shared by every
// backend so the signing step — and the "sign only once, at write
// time" rule — lives in exactly one place.
func BuildBlock(zoneSK xcrypto.PrivateKey, label string, records []record.Record, now time.Time) (record.Block, error) {
	zonePub := zoneSK.Public()

	derivedSK, err := xcrypto.DerivePrivate(zoneSK, label)
	if err != nil {
		return record.Block{}, &StorageError{Op: "build-block", Err: err}
	}
	derivedPub := derivedSK.Public()

	key, nonce, err := xcrypto.KDF(zonePub, label)
	if err != nil {
		return record.Block{}, &StorageError{Op: "build-block", Err: err}
	}
	ciphertext, err := xcrypto.Encrypt(key, nonce, record.Serialize(records))
	if err != nil {
		return record.Block{}, &StorageError{Op: "build-block", Err: err}
	}

	expiration := record.BlockExpiration(records, now)
	derivedPubBytes := derivedPub.Bytes()
	sig, err := xcrypto.Sign(derivedSK, record.SignedMessage(derivedPubBytes, expiration, ciphertext))
	if err != nil {
		return record.Block{}, &StorageError{Op: "build-block", Err: err}
	}

	return record.Block{
		DerivedPub: derivedPubBytes,
		Signature:  sig,
		Expiration: expiration,
		Ciphertext: ciphertext,
	}, nil
}

// OpenBlock decrypts a block previously produced by BuildBlock,
// recovering the serialized record-set. Callers (the resolver) must
// verify b.Verify(derivedPub) before trusting the plaintext.
func OpenBlock(zonePub xcrypto.PublicKey, label string, b record.Block) ([]record.Record, error) {
	key, nonce, err := xcrypto.KDF(zonePub, label)
	if err != nil {
		return nil, &StorageError{Op: "open-block", Err: err}
	}
	plaintext, err := xcrypto.Decrypt(key, nonce, b.Ciphertext)
	if err != nil {
		return nil, &StorageError{Op: "open-block", Err: err}
	}
	records, err := record.DeserializeAll(plaintext)
	if err != nil {
		return nil, &StorageError{Op: "open-block", Err: err}
	}
	return records, nil
}
