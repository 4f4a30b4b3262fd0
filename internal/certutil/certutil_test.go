package certutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crypto/x509"
)

func TestGenerateCert_Server(t *testing.T) {
	opts := DefaultServerOptions("server-1")
	cert, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if cert.Certificate == nil || cert.PrivateKey == nil {
		t.Fatal("certificate or private key is nil")
	}
	if len(cert.CertPEM) == 0 || len(cert.KeyPEM) == 0 {
		t.Fatal("PEM output is empty")
	}
	if cert.Certificate.Subject.CommonName != "server-1" {
		t.Errorf("CommonName = %q, want %q", cert.Certificate.Subject.CommonName, "server-1")
	}

	// Self-signed: subject and issuer match.
	if cert.Certificate.Subject.String() != cert.Certificate.Issuer.String() {
		t.Error("self-signed cert should have matching subject and issuer")
	}

	hasServerAuth := false
	for _, usage := range cert.Certificate.ExtKeyUsage {
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
		if usage == x509.ExtKeyUsageClientAuth {
			t.Error("server cert should not have ClientAuth")
		}
	}
	if !hasServerAuth {
		t.Error("server cert should have ServerAuth")
	}
}

func TestGenerateCert_Client(t *testing.T) {
	cert, err := GenerateCert(DefaultClientOptions("client-1"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	hasClientAuth := false
	for _, usage := range cert.Certificate.ExtKeyUsage {
		if usage == x509.ExtKeyUsageClientAuth {
			hasClientAuth = true
		}
		if usage == x509.ExtKeyUsageServerAuth {
			t.Error("client cert should not have ServerAuth")
		}
	}
	if !hasClientAuth {
		t.Error("client cert should have ClientAuth")
	}
}

func TestGenerateCert_Peer(t *testing.T) {
	cert, err := GenerateCert(DefaultPeerOptions("peer-1"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	hasServerAuth, hasClientAuth := false, false
	for _, usage := range cert.Certificate.ExtKeyUsage {
		switch usage {
		case x509.ExtKeyUsageServerAuth:
			hasServerAuth = true
		case x509.ExtKeyUsageClientAuth:
			hasClientAuth = true
		}
	}
	if !hasServerAuth || !hasClientAuth {
		t.Error("peer cert should have both ServerAuth and ClientAuth")
	}
}

func TestGenerateCert_CustomOptions(t *testing.T) {
	opts := CertOptions{
		CommonName:   "custom-1",
		Organization: "Test Org",
		ValidFor:     30 * 24 * time.Hour,
		DNSNames:     []string{"custom-1.example.com", "custom-1.local"},
		IPAddresses:  []net.IP{net.ParseIP("192.168.1.100"), net.ParseIP("10.0.0.1")},
		CertType:     CertTypeServer,
	}

	cert, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if len(cert.Certificate.DNSNames) != 2 {
		t.Errorf("DNSNames length = %d, want 2", len(cert.Certificate.DNSNames))
	}
	if len(cert.Certificate.IPAddresses) != 2 {
		t.Errorf("IPAddresses length = %d, want 2", len(cert.Certificate.IPAddresses))
	}
	if len(cert.Certificate.Subject.Organization) == 0 || cert.Certificate.Subject.Organization[0] != "Test Org" {
		t.Error("Organization not set correctly")
	}
}

func TestSaveToFiles(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "test.crt")
	keyPath := filepath.Join(tmpDir, "test.key")

	cert, err := GenerateCert(DefaultPeerOptions("save-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles failed: %v", err)
	}

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("certificate file not created")
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestFingerprint(t *testing.T) {
	cert, err := GenerateCert(DefaultPeerOptions("fingerprint-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	fp := cert.Fingerprint()
	if len(fp) < 10 || fp[:7] != "sha256:" {
		t.Errorf("fingerprint format invalid: %s", fp)
	}

	// Deterministic for the same certificate.
	if fp != cert.Fingerprint() {
		t.Error("fingerprint is not stable across calls")
	}
}

func TestTLSCertificate(t *testing.T) {
	cert, err := GenerateCert(DefaultPeerOptions("tls-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate failed: %v", err)
	}
	if tlsCert.PrivateKey == nil {
		t.Error("TLS certificate PrivateKey is nil")
	}
	if len(tlsCert.Certificate) == 0 {
		t.Error("TLS certificate has no certificate data")
	}
}

func TestDefaultOptions_Organization(t *testing.T) {
	for _, opts := range []CertOptions{
		DefaultServerOptions("server"),
		DefaultClientOptions("client"),
		DefaultPeerOptions("peer"),
	} {
		if opts.Organization != "Toss" {
			t.Errorf("Organization = %q, want %q", opts.Organization, "Toss")
		}
	}
}
