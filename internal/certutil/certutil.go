// Package certutil generates the self-signed TLS certificates
// internal/transport's QUIC and WebSocket listeners use at the
// connection layer. Toss's actual peer trust comes from the identity
// keypairs exchanged during pairing, not from a certificate chain, so
// this package only ever produces self-signed leaf certificates.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertType determines the key usage and extended key usage asserted
// on a generated certificate.
type CertType int

const (
	// CertTypeServer is a server-auth certificate.
	CertTypeServer CertType = iota
	// CertTypeClient is a client-auth certificate.
	CertTypeClient
	// CertTypePeer asserts both server and client auth, for the
	// direct and NAT-traversed peer connections where either side may
	// dial.
	CertTypePeer
)

// CertOptions configures certificate generation.
type CertOptions struct {
	// CommonName is the CN field (required).
	CommonName string

	// Organization for the certificate subject.
	Organization string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration

	// DNSNames are additional DNS SANs.
	DNSNames []string

	// IPAddresses are IP SANs.
	IPAddresses []net.IP

	// CertType determines the key usage and extensions.
	CertType CertType
}

// DefaultServerOptions returns default options for a server certificate.
func DefaultServerOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:   commonName,
		Organization: "Toss",
		ValidFor:     90 * 24 * time.Hour,
		DNSNames:     []string{commonName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		CertType:     CertTypeServer,
	}
}

// DefaultClientOptions returns default options for a client certificate.
func DefaultClientOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:   commonName,
		Organization: "Toss",
		ValidFor:     90 * 24 * time.Hour,
		CertType:     CertTypeClient,
	}
}

// DefaultPeerOptions returns default options for a peer certificate (server+client).
func DefaultPeerOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:   commonName,
		Organization: "Toss",
		ValidFor:     90 * 24 * time.Hour,
		DNSNames:     []string{commonName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		CertType:     CertTypePeer,
	}
}

// GeneratedCert contains the generated certificate and private key.
type GeneratedCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	hash := sha256.Sum256(gc.Certificate.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// TLSCertificate returns a tls.Certificate from the generated cert.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// SaveToFiles saves the certificate and key to files.
func (gc *GeneratedCert) SaveToFiles(certPath, keyPath string) error {
	if dir := filepath.Dir(certPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create cert directory: %w", err)
		}
	}
	if dir := filepath.Dir(keyPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	if err := os.WriteFile(certPath, gc.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, gc.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// GenerateCert generates a self-signed certificate with the given options.
func GenerateCert(opts CertOptions) (*GeneratedCert, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	switch opts.CertType {
	case CertTypeServer:
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case CertTypeClient:
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case CertTypePeer:
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}
