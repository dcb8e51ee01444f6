package record

import (
	"bytes"
	"testing"
	"time"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	exp := time.UnixMicro(1700000000000000).UTC()
	records := []Record{
		NewAbsolute(TypeA, []byte{93, 184, 216, 34}, exp, false),
		NewAbsolute(TypeLegacyHostname, []byte("www.example.com"), exp, true),
		NewRelative(TypeAAAA, make([]byte, 16), 10*time.Minute, false),
	}

	wire := Serialize(records)
	got, err := Deserialize(wire, len(records))
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i].Type != records[i].Type {
			t.Errorf("record %d: type mismatch %d != %d", i, got[i].Type, records[i].Type)
		}
		if got[i].Flags != records[i].Flags {
			t.Errorf("record %d: flags mismatch %d != %d", i, got[i].Flags, records[i].Flags)
		}
		if !bytes.Equal(got[i].Data, records[i].Data) {
			t.Errorf("record %d: data mismatch", i)
		}
		if got[i].IsRelative() != records[i].IsRelative() {
			t.Errorf("record %d: relative mismatch", i)
		}
		if got[i].IsRelative() {
			if got[i].relative != records[i].relative {
				t.Errorf("record %d: relative duration mismatch %v != %v", i, got[i].relative, records[i].relative)
			}
		} else if !got[i].Expiration.Equal(records[i].Expiration) {
			t.Errorf("record %d: expiration mismatch %v != %v", i, got[i].Expiration, records[i].Expiration)
		}
	}

	// Re-serializing the decoded records must reproduce the same wire bytes.
	if !bytes.Equal(Serialize(got), wire) {
		t.Errorf("serialize(deserialize(wire)) != wire")
	}
}

func TestDeserializeTruncated(t *testing.T) {
	records := []Record{NewAbsolute(TypeA, []byte{1, 2, 3, 4}, time.Now(), false)}
	wire := Serialize(records)

	if _, err := Deserialize(wire[:len(wire)-1], 1); err == nil {
		t.Fatal("expected truncation error")
	} else if _, ok := err.(*TruncatedRecord); !ok {
		t.Fatalf("expected *TruncatedRecord, got %T: %v", err, err)
	}

	if _, err := Deserialize(wire[:19], 1); err == nil {
		t.Fatal("expected truncation error for short header")
	}
}

func TestDeserializeTrailingBytes(t *testing.T) {
	records := []Record{NewAbsolute(TypeA, []byte{1, 2, 3, 4}, time.Now(), false)}
	wire := append(Serialize(records), 0xFF)

	if _, err := Deserialize(wire, 1); err != ErrTrailingBytes {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestBlockExpirationIsMinimum(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond)
	records := []Record{
		NewAbsolute(TypeA, []byte{1, 2, 3, 4}, now.Add(time.Hour), false),
		NewRelative(TypeAAAA, make([]byte, 16), time.Minute, false),
		NewAbsolute(TypeLegacyHostname, []byte("x"), now.Add(24*time.Hour), false),
	}
	got := BlockExpiration(records, now)
	want := now.Add(time.Minute)
	if !got.Equal(want) {
		t.Fatalf("BlockExpiration = %v, want %v", got, want)
	}
}

func TestBlockQueryIsDeterministic(t *testing.T) {
	pub := bytes.Repeat([]byte{0xAB}, 64)
	a := BlockQuery(pub)
	b := BlockQuery(pub)
	if a != b {
		t.Fatal("BlockQuery not deterministic")
	}
	other := BlockQuery(bytes.Repeat([]byte{0xCD}, 64))
	if a == other {
		t.Fatal("BlockQuery collided for distinct inputs")
	}
}
