package certs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	cert, err := Generate(24*time.Hour, "mmt.local", "192.0.2.7")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if got := leaf.NotAfter.Sub(leaf.NotBefore); got != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", got)
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") || !slices.Contains(leaf.DNSNames, "mmt.local") {
		t.Errorf("DNS names = %v", leaf.DNSNames)
	}
	found := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "192.0.2.7" {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses = %v, want 192.0.2.7 included", leaf.IPAddresses)
	}
	if len(cert.FingerprintHex()) != 64 || cert.FingerprintBase64() == "" {
		t.Errorf("fingerprints %q / %q", cert.FingerprintHex(), cert.FingerprintBase64())
	}
}

func TestGenerateClampsValidity(t *testing.T) {
	t.Parallel()

	for _, v := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v): %v", v, err)
		}
		leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("ParseCertificate: %v", err)
		}
		if got := leaf.NotAfter.Sub(leaf.NotBefore); got != MaxValidity {
			t.Errorf("Generate(%v): validity = %v, want %v", v, got, MaxValidity)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(gen.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Fingerprint != gen.Fingerprint {
		t.Error("loaded fingerprint differs from generated")
	}
	if !got.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", got.NotAfter, gen.NotAfter)
	}

	if _, err := Load(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Error("expected error for missing certificate")
	}
}
