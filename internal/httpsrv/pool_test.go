package httpsrv

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/zns-net/zns/internal/ca"
	"github.com/zns-net/zns/internal/reactor"
)

func generateTestAuthority(t *testing.T) (*ca.Authority, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create root cert: %v", err)
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal root key: %v", err)
	}
	var pemData []byte
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)

	authority, err := ca.Load(pemData)
	if err != nil {
		t.Fatalf("ca.Load: %v", err)
	}
	return authority, rootCert
}

func TestPoolAcceptServesThroughEmbeddedListener(t *testing.T) {
	authority, rootCert := generateTestAuthority(t)

	var gotHostname, gotLegacy string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHostname = Hostname(r.Context())
		gotLegacy = LegacyHostname(r.Context())
		fmt.Fprint(w, "ok")
	})

	p, err := NewPool(authority, handler, reactor.New(context.Background()))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	client, server := net.Pipe()
	go p.Accept(server, "example.zns", "www.example.com", net.ParseIP("93.184.216.34"), 443)

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)
	tlsClient := tls.Client(client, &tls.Config{RootCAs: roots, ServerName: "example.zns"})
	defer tlsClient.Close()

	req, err := http.NewRequest(http.MethodGet, "https://example.zns/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := req.Write(tlsClient); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(tlsClient), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if gotHostname != "example.zns" || gotLegacy != "www.example.com" {
		t.Fatalf("handler saw hostname=%q legacy=%q", gotHostname, gotLegacy)
	}

	if p.EntryCount() != 1 {
		t.Fatalf("EntryCount = %d, want 1", p.EntryCount())
	}
}

func TestPoolReusesEntryForSameHostname(t *testing.T) {
	authority, _ := generateTestAuthority(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	p, err := NewPool(authority, handler, reactor.New(context.Background()))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	e1, err := p.lookupOrCreate("example.zns")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	e2, err := p.lookupOrCreate("example.zns")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	if e1 != e2 {
		t.Fatal("expected the same entry to be reused for a repeated hostname")
	}
	if p.EntryCount() != 1 {
		t.Fatalf("EntryCount = %d, want 1", p.EntryCount())
	}
}
