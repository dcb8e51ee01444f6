package record

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/zns-net/zns/internal/xcrypto"
)

// Block is a signed, encrypted record-set as it travels over the DHT
// and sits in a store's block cache (§4.3, §6). DerivedPub is the
// 64-byte uncompressed derive_public(pk(zone), label) point. The
// block's query is neither stored on the wire nor kept on the struct:
// Query computes it from DerivedPub via BlockQuery on each call.
type Block struct {
	DerivedPub []byte
	Signature  []byte
	Expiration time.Time
	Ciphertext []byte
}

// ErrTruncatedBlock is returned by DecodeBlock when the input ends
// before a declared field is fully present.
var ErrTruncatedBlock = errors.New("record: truncated block")

// Query is the DHT lookup key for this block.
func (b Block) Query() [32]byte {
	return BlockQuery(b.DerivedPub)
}

// SignedMessage is what Sign/Verify operate over: binding the
// signature to the derived key it's filed under and the expiration it
// claims, not just the ciphertext, so neither can be swapped onto a
// differently-keyed or differently-expiring block.
func SignedMessage(derivedPub []byte, expiration time.Time, ciphertext []byte) []byte {
	out := make([]byte, 0, len(derivedPub)+8+len(ciphertext))
	out = append(out, derivedPub...)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(expiration.UnixMicro()))
	out = append(out, u64[:]...)
	return append(out, ciphertext...)
}

// Verify checks the block's signature against the derived public key
// it claims to be filed under.
func (b Block) Verify(derivedPub xcrypto.PublicKey) bool {
	if !bytesEqual(derivedPub.Bytes(), b.DerivedPub) {
		return false
	}
	return xcrypto.Verify(derivedPub, SignedMessage(b.DerivedPub, b.Expiration, b.Ciphertext), b.Signature)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EncodeBlock serializes a block as
// {derived_pub_len:u16, derived_pub, sig_len:u16, signature,
// expiration:u64, ciphertext}. There is no requirement that this
// match any other implementation's bytes on the wire (none is the
// goal here); it only needs to round-trip through this store and DHT
// adapter.
func EncodeBlock(b Block) []byte {
	out := make([]byte, 0, 2+len(b.DerivedPub)+2+len(b.Signature)+8+len(b.Ciphertext))

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(b.DerivedPub)))
	out = append(out, u16[:]...)
	out = append(out, b.DerivedPub...)

	binary.BigEndian.PutUint16(u16[:], uint16(len(b.Signature)))
	out = append(out, u16[:]...)
	out = append(out, b.Signature...)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(b.Expiration.UnixMicro()))
	out = append(out, u64[:]...)

	out = append(out, b.Ciphertext...)
	return out
}

// DecodeBlock is the inverse of EncodeBlock.
func DecodeBlock(data []byte) (Block, error) {
	var b Block
	off := 0

	pubLen, off2, err := takeU16Len(data, off)
	if err != nil {
		return Block{}, err
	}
	off = off2
	if len(data)-off < pubLen {
		return Block{}, ErrTruncatedBlock
	}
	b.DerivedPub = append([]byte(nil), data[off:off+pubLen]...)
	off += pubLen

	sigLen, off3, err := takeU16Len(data, off)
	if err != nil {
		return Block{}, err
	}
	off = off3
	if len(data)-off < sigLen {
		return Block{}, ErrTruncatedBlock
	}
	b.Signature = append([]byte(nil), data[off:off+sigLen]...)
	off += sigLen

	if len(data)-off < 8 {
		return Block{}, ErrTruncatedBlock
	}
	b.Expiration = time.UnixMicro(int64(binary.BigEndian.Uint64(data[off : off+8]))).UTC()
	off += 8

	b.Ciphertext = append([]byte(nil), data[off:]...)
	return b, nil
}

func takeU16Len(data []byte, off int) (int, int, error) {
	if len(data)-off < 2 {
		return 0, 0, ErrTruncatedBlock
	}
	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	return n, off + 2, nil
}
