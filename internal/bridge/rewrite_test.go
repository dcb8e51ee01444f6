package bridge

import (
	"net/http"
	"testing"
)

func TestRewriteHeadersSetCookieDomainSubstituted(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "sid=abc; Domain=example.com; Path=/")

	out, warnings := RewriteHeaders(h, "https", "www.example.com", "example.gnu")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	got := out.Get("Set-Cookie")
	want := "sid=abc; Domain=example.gnu; Path=/"
	if got != want {
		t.Fatalf("Set-Cookie = %q, want %q", got, want)
	}
}

func TestRewriteHeadersSetCookieInvalidDomainDropped(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "sid=abc; Domain=not-the-origin.net; Path=/")

	out, warnings := RewriteHeaders(h, "https", "www.example.com", "example.gnu")
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if out.Get("Set-Cookie") != "" {
		t.Fatalf("expected Set-Cookie to be dropped, got %q", out.Get("Set-Cookie"))
	}
}

func TestRewriteHeadersLocationSubstituted(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "https://www.example.com/next")

	out, _ := RewriteHeaders(h, "https", "www.example.com", "example.gnu")
	want := "https://example.gnu/next"
	if got := out.Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
}

func TestRewriteHeadersLocationElsewhereUnchanged(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "https://cdn.other.com/asset.js")

	out, _ := RewriteHeaders(h, "https", "www.example.com", "example.gnu")
	want := "https://cdn.other.com/asset.js"
	if got := out.Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q (unchanged)", got, want)
	}
}

func TestRewriteHeadersPassesOtherHeadersThrough(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")

	out, _ := RewriteHeaders(h, "https", "www.example.com", "example.gnu")
	if got := out.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
}

func TestAddCORSHeaderUsesLegacyHostname(t *testing.T) {
	h := http.Header{}
	AddCORSHeader(h, "https", "www.example.com")
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://www.example.com" {
		t.Fatalf("ACAO = %q", got)
	}
}

func TestStripAcceptEncodingRemovesHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Accept-Encoding", "gzip, br")
	StripAcceptEncoding(h)
	if h.Get("Accept-Encoding") != "" {
		t.Fatal("expected Accept-Encoding to be removed")
	}
}
