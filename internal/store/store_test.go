package store

import (
	"testing"
	"time"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/xcrypto"
)

func TestBuildBlockRoundTrip(t *testing.T) {
	zoneSK, zonePub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	const label = "www"
	records := []record.Record{
		record.NewAbsolute(record.TypeA, []byte{93, 184, 216, 34}, time.Now().Add(time.Hour), false),
	}

	now := time.Now().Truncate(time.Microsecond)
	block, err := BuildBlock(zoneSK, label, records, now)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}

	derivedPub, err := xcrypto.DerivePublic(zonePub, label)
	if err != nil {
		t.Fatalf("DerivePublic: %v", err)
	}
	if !block.Verify(derivedPub) {
		t.Fatal("block failed to verify under derive_public(pk(zone), label)")
	}

	got, err := OpenBlock(zonePub, label, block)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != string(records[0].Data) {
		t.Fatalf("decrypted records mismatch: %+v", got)
	}
}

func TestBuildBlockRejectsWrongZoneVerify(t *testing.T) {
	zoneSK, _, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, otherPub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	records := []record.Record{record.NewAbsolute(record.TypeA, []byte{1, 2, 3, 4}, time.Now().Add(time.Hour), false)}
	block, err := BuildBlock(zoneSK, "foo", records, time.Now())
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}

	derivedOther, err := xcrypto.DerivePublic(otherPub, "foo")
	if err != nil {
		t.Fatalf("DerivePublic: %v", err)
	}
	if block.Verify(derivedOther) {
		t.Fatal("block verified under the wrong zone's derived key")
	}
}
