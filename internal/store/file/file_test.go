package file

import (
	"context"
	"testing"
	"time"

	"github.com/zns-net/zns/internal/record"
	"github.com/zns-net/zns/internal/xcrypto"
)

func TestStoreRecordsPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	zoneSK, zonePub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	const label = "www"
	recs := []record.Record{record.NewAbsolute(record.TypeA, []byte{1, 1, 1, 1}, time.Now().Add(time.Hour), false)}

	b, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.StoreRecords(ctx, zoneSK, label, recs); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer reopened.Close()

	entry, found, err := reopened.IterateRecords(ctx, &zonePub, 0)
	if err != nil {
		t.Fatalf("IterateRecords: %v", err)
	}
	if !found {
		t.Fatal("expected persisted entry to survive reopen")
	}
	if entry.Label != label || len(entry.Records) != 1 || string(entry.Records[0].Data) != string(recs[0].Data) {
		t.Fatalf("unexpected entry after reopen: %+v", entry)
	}

	derivedPub, err := xcrypto.DerivePublic(zonePub, label)
	if err != nil {
		t.Fatalf("DerivePublic: %v", err)
	}
	blk, ok, err := reopened.LookupBlock(ctx, record.BlockQuery(derivedPub.Bytes()))
	if err != nil {
		t.Fatalf("LookupBlock: %v", err)
	}
	if !ok {
		t.Fatal("expected block to be rebuilt on reopen")
	}
	if !blk.Verify(derivedPub) {
		t.Fatal("rebuilt block does not verify")
	}
}

func TestStoreEmptyRemovesSidecarFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	zoneSK, zonePub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	recs := []record.Record{record.NewAbsolute(record.TypeA, []byte{2, 2, 2, 2}, time.Now().Add(time.Hour), false)}

	b, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if err := b.StoreRecords(ctx, zoneSK, "foo", recs); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}
	if err := b.StoreRecords(ctx, zoneSK, "foo", nil); err != nil {
		t.Fatalf("StoreRecords (delete): %v", err)
	}

	entry, found, err := b.IterateRecords(ctx, &zonePub, 0)
	if err != nil {
		t.Fatalf("IterateRecords: %v", err)
	}
	if found {
		t.Fatalf("expected no entries after delete, got %+v", entry)
	}
}
