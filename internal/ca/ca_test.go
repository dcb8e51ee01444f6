package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func generateTestRoot(t *testing.T) []byte {
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
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal root key: %v", err)
	}
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return out
}

func TestLoadRejectsNonCA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "not a ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	var pemData []byte
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)

	if _, err := Load(pemData); err == nil {
		t.Fatal("expected Load to reject a non-CA certificate")
	}
}

func TestMintProducesVerifiableLeaf(t *testing.T) {
	a, err := Load(generateTestRoot(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	certPEM, keyPEM, err := a.Mint("example.internal")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in minted cert")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if leaf.Subject.CommonName != "example.internal" {
		t.Fatalf("CN = %q, want example.internal", leaf.Subject.CommonName)
	}
	if got, want := leaf.NotAfter.Sub(leaf.NotBefore), leafValidity+time.Hour; got < want-time.Minute || got > want+time.Minute {
		t.Fatalf("validity window = %v, want ~%v", got, want)
	}

	roots := x509.NewCertPool()
	roots.AddCert(a.Certificate())
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}); err != nil {
		t.Fatalf("leaf does not verify under root: %v", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		t.Fatal("no PEM block in minted key")
	}
	if _, err := x509.ParseECPrivateKey(keyBlock.Bytes); err != nil {
		t.Fatalf("parse leaf key: %v", err)
	}
}

func TestMintSerialsDiffer(t *testing.T) {
	a, err := Load(generateTestRoot(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	certPEM1, _, err := a.Mint("a.example")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	certPEM2, _, err := a.Mint("a.example")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	b1, _ := pem.Decode(certPEM1)
	b2, _ := pem.Decode(certPEM2)
	c1, err := x509.ParseCertificate(b1.Bytes)
	if err != nil {
		t.Fatalf("parse cert 1: %v", err)
	}
	c2, err := x509.ParseCertificate(b2.Bytes)
	if err != nil {
		t.Fatalf("parse cert 2: %v", err)
	}
	if c1.SerialNumber.Cmp(c2.SerialNumber) == 0 {
		t.Fatal("two mints for the same hostname produced identical serials")
	}
}

func TestMintTLSCertificateUsable(t *testing.T) {
	a, err := Load(generateTestRoot(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tlsCert, err := a.MintTLSCertificate("service.example")
	if err != nil {
		t.Fatalf("MintTLSCertificate: %v", err)
	}
	if len(tlsCert.Certificate) == 0 {
		t.Fatal("expected at least one DER certificate")
	}
}
