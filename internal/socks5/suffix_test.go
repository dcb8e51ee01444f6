package socks5

import (
	"encoding/base32"
	"strings"
	"testing"

	"github.com/zns-net/zns/internal/xcrypto"
)

func TestManagedSuffixesHumanReadable(t *testing.T) {
	_, pub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	m := ManagedSuffixes{HumanReadable: "zns", Root: pub}

	root, rest, ok := m.Match("example.ZNS")
	if !ok || rest != "example" || !root.Equal(pub) {
		t.Fatalf("Match(example.ZNS) = root=%v rest=%q ok=%v", root, rest, ok)
	}

	if _, _, ok := m.Match("example.com"); ok {
		t.Fatal("expected example.com to not match the managed suffix")
	}

	// A label boundary is required: "notzns" must not match suffix "zns".
	if _, _, ok := m.Match("examplenotzns"); ok {
		t.Fatal("expected examplenotzns to not match without a label boundary")
	}
}

func TestManagedSuffixesKeyBased(t *testing.T) {
	_, pub, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	keyLabel := strings.ToLower(enc.EncodeToString(pub.Bytes()))

	m := ManagedSuffixes{KeySuffix: "zkey"}

	root, rest, ok := m.Match("www." + keyLabel + ".zkey")
	if !ok || rest != "www" || !root.Equal(pub) {
		t.Fatalf("Match(www.<key>.zkey) = root=%v rest=%q ok=%v", root, rest, ok)
	}

	root2, rest2, ok2 := m.Match(keyLabel + ".zkey")
	if !ok2 || rest2 != "" || !root2.Equal(pub) {
		t.Fatalf("Match(<key>.zkey) = root=%v rest=%q ok=%v", root2, rest2, ok2)
	}

	if _, _, ok := m.Match("not-a-valid-key.zkey"); ok {
		t.Fatal("expected an undecodable key label to fail to match")
	}
}
