package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile   = "ca.crt"
	caKeyFile    = "ca.key"
	nodeCertFile = "node.crt"
	nodeKeyFile  = "node.key"

	DefaultCertValidity = 365 * 24 * time.Hour
)

// CertAuthority signs node certificates for a group of peers that share
// its certificate as their TLS root.
type CertAuthority struct {
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// NewCertAuthority creates a self-signed Ed25519 CA.
func NewCertAuthority(name string, validity time.Duration) (*CertAuthority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"meshfs"}, CommonName: name + "-CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &CertAuthority{cert: cert, key: priv}, nil
}

// LoadCertAuthority reads ca.crt and ca.key from dir.
func LoadCertAuthority(dir string) (*CertAuthority, error) {
	cert, err := loadCertificate(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, err
	}
	key, err := loadPrivateKey(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", filepath.Join(dir, caCertFile))
	}
	return &CertAuthority{cert: cert, key: key}, nil
}

// Certificate is the CA certificate.
func (ca *CertAuthority) Certificate() *x509.Certificate { return ca.cert }

// Save writes ca.crt and ca.key into dir.
func (ca *CertAuthority) Save(dir string) error {
	return saveKeyPair(ca.cert, ca.key, filepath.Join(dir, caCertFile), filepath.Join(dir, caKeyFile))
}

// Issue signs a certificate usable for both ends of a peer connection.
// hosts become IP or DNS subject alternative names.
func (ca *CertAuthority) Issue(name string, hosts []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"meshfs"}, CommonName: name},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

// Verify checks that cert chains to the CA.
func (ca *CertAuthority) Verify(cert *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GenerateNodeCertificates issues node.crt and node.key into dir, creating
// the CA there first unless one exists. The returned settings enable mutual
// TLS with the files written.
func GenerateNodeCertificates(dir, name string, hosts []string, validity time.Duration) (TLSConfig, error) {
	if validity <= 0 {
		validity = DefaultCertValidity
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return TLSConfig{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	ca, err := LoadCertAuthority(dir)
	if errors.Is(err, os.ErrNotExist) {
		if ca, err = NewCertAuthority(name, validity); err == nil {
			err = ca.Save(dir)
		}
	}
	if err != nil {
		return TLSConfig{}, err
	}

	cert, key, err := ca.Issue(name, hosts, validity)
	if err != nil {
		return TLSConfig{}, err
	}
	certPath, keyPath := filepath.Join(dir, nodeCertFile), filepath.Join(dir, nodeKeyFile)
	if err := saveKeyPair(cert, key, certPath, keyPath); err != nil {
		return TLSConfig{}, err
	}

	cfg := TLSConfig{
		Enabled:           true,
		CertPath:          certPath,
		KeyPath:           keyPath,
		CAPath:            filepath.Join(dir, caCertFile),
		RequireClientAuth: true,
		MinVersion:        "1.3",
	}
	return cfg, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return serial, nil
}

func saveKeyPair(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to parse certificate PEM %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not Ed25519", path)
	}
	return edKey, nil
}
