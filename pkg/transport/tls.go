package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig selects how peer connections are secured. With Enabled unset,
// connections are plaintext and entries rely on their own signatures.
type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled" json:"enabled"`
	CertPath          string `mapstructure:"cert" json:"cert"`
	KeyPath           string `mapstructure:"key" json:"key"`
	CAPath            string `mapstructure:"ca" json:"ca"`
	RequireClientAuth bool   `mapstructure:"require_client_auth" json:"require_client_auth"`
	MinVersion        string `mapstructure:"min_version" json:"min_version"`
	ServerName        string `mapstructure:"server_name" json:"server_name"`
}

func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("tls: cert and key are required when enabled")
	}
	if c.RequireClientAuth && c.CAPath == "" {
		return errors.New("tls: client auth requires a CA")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("tls: unsupported min_version %q", c.MinVersion)
	}
	return nil
}

// BuildServerConfig returns the listener's TLS settings, or nil when TLS is
// disabled.
func (c TLSConfig) BuildServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.tlsVersion(),
		CipherSuites: cipherSuites(),
	}

	if c.RequireClientAuth {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// BuildClientConfig returns the dialer's TLS settings, or nil when TLS is
// disabled.
func (c TLSConfig) BuildClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:   c.tlsVersion(),
		CipherSuites: cipherSuites(),
		ServerName:   c.ServerName,
	}
	if c.CAPath != "" {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA pool: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	if c.CertPath != "" && c.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// ServerOption returns the grpc.Creds option for a server, or nil.
func (c TLSConfig) ServerOption() (grpc.ServerOption, error) {
	tc, err := c.BuildServerConfig()
	if err != nil || tc == nil {
		return nil, err
	}
	return grpc.Creds(credentials.NewTLS(tc)), nil
}

// DialOption returns transport credentials for a client connection.
func (c TLSConfig) DialOption() (grpc.DialOption, error) {
	tc, err := c.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tc)), nil
}

func (c TLSConfig) tlsVersion() uint16 {
	if c.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// cipherSuites lists the TLS 1.2 suites allowed; 1.3 suites are fixed.
func cipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
