package dht

import (
	"testing"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
)

func TestDHTKeyIsDeterministicAndNamespaced(t *testing.T) {
	var a, b [32]byte
	a[0] = 0xAB
	b[0] = 0xCD

	ka1 := dhtKey(a)
	ka2 := dhtKey(a)
	kb := dhtKey(b)

	if ka1 != ka2 {
		t.Fatal("dhtKey not deterministic for the same query")
	}
	if ka1 == kb {
		t.Fatal("dhtKey collided for distinct queries")
	}
	if len(ka1) < len("/zns/") || ka1[:len("/zns/")] != "/zns/" {
		t.Fatalf("dhtKey missing namespace prefix: %q", ka1)
	}
}

func TestMsgIDFnDeterministic(t *testing.T) {
	fn := msgIDFn()
	msg := &pb.Message{Data: []byte("hello")}
	id1 := fn(msg)
	id2 := fn(msg)
	if id1 != id2 {
		t.Fatal("msgIDFn not deterministic for identical data")
	}
}
