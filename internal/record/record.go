// Package record implements the wire encoding of a record-set (§4.2
// and §6 of the spec) and the derived block-expiration and
// block-query computations used by the store and resolver.
package record

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Type assignments fixed by §6 of the spec.
const (
	TypeA             uint32 = 1
	TypeAAAA          uint32 = 28
	TypeDelegation    uint32 = 65536
	TypeLegacyHostname uint32 = 65537
)

// Flag bits. Bit 0 selects relative (1) vs absolute (0) expiration;
// bit 1 marks a record as authoritative.
const (
	FlagRelative     uint32 = 1 << 0
	FlagAuthoritative uint32 = 1 << 1
)

// Record is one {type, flags, expiration, data} tuple, per §3.
type Record struct {
	Type       uint32
	Flags      uint32
	Expiration time.Time // absolute records only; zero for relative ones, see ResolvedExpiration
	relative   time.Duration
	isRelative bool
	Data       []byte
}

// NewAbsolute builds a record with a fixed expiration instant.
func NewAbsolute(typ uint32, data []byte, expiration time.Time, authoritative bool) Record {
	flags := uint32(0)
	if authoritative {
		flags |= FlagAuthoritative
	}
	return Record{Type: typ, Flags: flags, Expiration: expiration, Data: data}
}

// NewRelative builds a record whose expiration is a duration from the
// moment it is serialized or its block-expiration computed.
func NewRelative(typ uint32, data []byte, ttl time.Duration, authoritative bool) Record {
	flags := FlagRelative
	if authoritative {
		flags |= FlagAuthoritative
	}
	return Record{Type: typ, Flags: flags, relative: ttl, isRelative: true, Data: data}
}

func (r Record) IsRelative() bool     { return r.isRelative || r.Flags&FlagRelative != 0 }
func (r Record) IsAuthoritative() bool { return r.Flags&FlagAuthoritative != 0 }

// ResolvedExpiration returns the record's absolute expiration,
// resolving a relative record's duration against `now`.
func (r Record) ResolvedExpiration(now time.Time) time.Time {
	if r.IsRelative() {
		return now.Add(r.relative)
	}
	return r.Expiration
}

// TruncatedRecord is returned when a declared data_len would overrun
// the remaining input.
type TruncatedRecord struct {
	Index int
	Want  int
	Have  int
}

func (e *TruncatedRecord) Error() string {
	return fmt.Sprintf("record: truncated record %d: want %d bytes, have %d", e.Index, e.Want, e.Have)
}

// ErrTrailingBytes is returned when unused bytes remain after decoding
// the expected number of records.
var ErrTrailingBytes = errors.New("record: trailing bytes after last record")

// Serialize writes records as {expiration:u64, data_len:u32, type:u32,
// flags:u32, data:bytes} in network (big-endian) order, back to back
// with no padding, per §4.2.
func Serialize(records []Record) []byte {
	var out []byte
	for _, r := range records {
		var hdr [20]byte
		var expMicros uint64
		if r.IsRelative() {
			expMicros = uint64(r.relative.Microseconds())
		} else {
			expMicros = uint64(r.Expiration.UnixMicro())
		}
		binary.BigEndian.PutUint64(hdr[0:8], expMicros)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(r.Data)))
		binary.BigEndian.PutUint32(hdr[12:16], r.Type)
		binary.BigEndian.PutUint32(hdr[16:20], r.Flags)
		out = append(out, hdr[:]...)
		out = append(out, r.Data...)
	}
	return out
}

// Deserialize parses exactly expectedCount records from b. A
// data_len that would overrun the input yields *TruncatedRecord;
// unused trailing bytes yield ErrTrailingBytes.
func Deserialize(b []byte, expectedCount int) ([]Record, error) {
	out := make([]Record, 0, expectedCount)
	off := 0
	for i := 0; i < expectedCount; i++ {
		if len(b)-off < 20 {
			return nil, &TruncatedRecord{Index: i, Want: 20, Have: len(b) - off}
		}
		expMicros := binary.BigEndian.Uint64(b[off : off+8])
		dataLen := binary.BigEndian.Uint32(b[off+8 : off+12])
		typ := binary.BigEndian.Uint32(b[off+12 : off+16])
		flags := binary.BigEndian.Uint32(b[off+16 : off+20])
		off += 20
		if uint64(len(b)-off) < uint64(dataLen) {
			return nil, &TruncatedRecord{Index: i, Want: int(dataLen), Have: len(b) - off}
		}
		data := make([]byte, dataLen)
		copy(data, b[off:off+int(dataLen)])
		off += int(dataLen)

		r := Record{Type: typ, Flags: flags, Data: data}
		if flags&FlagRelative != 0 {
			r.isRelative = true
			r.relative = time.Duration(expMicros) * time.Microsecond
		} else {
			r.Expiration = time.UnixMicro(int64(expMicros))
		}
		out = append(out, r)
	}
	if off != len(b) {
		return nil, ErrTrailingBytes
	}
	return out, nil
}

// DeserializeAll parses records back-to-back until b is exhausted,
// for the common case where the caller doesn't know the record count
// up front (e.g. after decrypting a block). A dangling partial header
// or body at the end yields *TruncatedRecord.
func DeserializeAll(b []byte) ([]Record, error) {
	var out []Record
	off := 0
	for i := 0; off < len(b); i++ {
		if len(b)-off < 20 {
			return nil, &TruncatedRecord{Index: i, Want: 20, Have: len(b) - off}
		}
		expMicros := binary.BigEndian.Uint64(b[off : off+8])
		dataLen := binary.BigEndian.Uint32(b[off+8 : off+12])
		typ := binary.BigEndian.Uint32(b[off+12 : off+16])
		flags := binary.BigEndian.Uint32(b[off+16 : off+20])
		off += 20
		if uint64(len(b)-off) < uint64(dataLen) {
			return nil, &TruncatedRecord{Index: i, Want: int(dataLen), Have: len(b) - off}
		}
		data := make([]byte, dataLen)
		copy(data, b[off:off+int(dataLen)])
		off += int(dataLen)

		r := Record{Type: typ, Flags: flags, Data: data}
		if flags&FlagRelative != 0 {
			r.isRelative = true
			r.relative = time.Duration(expMicros) * time.Microsecond
		} else {
			r.Expiration = time.UnixMicro(int64(expMicros))
		}
		out = append(out, r)
	}
	return out, nil
}

// BlockExpiration is the minimum of each record's resolved absolute
// expiration, resolved against `now`. An empty record-set has no
// meaningful expiration; callers (store) treat that as "expires now".
func BlockExpiration(records []Record, now time.Time) time.Time {
	if len(records) == 0 {
		return now
	}
	min := records[0].ResolvedExpiration(now)
	for _, r := range records[1:] {
		if e := r.ResolvedExpiration(now); e.Before(min) {
			min = e
		}
	}
	return min
}

// BlockQuery computes the wire query for a signed block: SHA-512 of
// derivedPub, truncated to 32 bytes, per §6.
func BlockQuery(derivedPub []byte) [32]byte {
	sum := sha512.Sum512(derivedPub)
	var out [32]byte
	copy(out[:], sum[:32])
	return out
}
