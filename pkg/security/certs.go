// Package security loads the mTLS material the step manager uses to talk to
// the controller and to its peers in the completion tree. stepd never issues
// or rotates certificates itself — it is handed a cert directory by the
// enclosing node daemon's Config and only needs to load and validate it.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// defaultCertDir is the fallback location under the user's home directory
// when a Config does not specify an explicit cert directory.
const defaultCertDir = ".stepd/certs"

// GetCertDir returns the certificate directory for a given endpoint role
// ("controller" or "peer") and node id.
func GetCertDir(role, nodeID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", role, nodeID)), nil
}

// LoadCertFromFile loads this node's certificate and private key from
// <certDir>/node.crt and <certDir>/node.key.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// LoadCACertFromFile loads the CA certificate used to verify the peer side
// of an mTLS connection from <certDir>/ca.crt.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, nil
}

// CertExists reports whether a complete cert/key/CA triple is present in
// certDir.
func CertExists(certDir string) bool {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")
	caPath := filepath.Join(certDir, "ca.crt")

	_, err1 := os.Stat(certPath)
	_, err2 := os.Stat(keyPath)
	_, err3 := os.Stat(caPath)

	return err1 == nil && err2 == nil && err3 == nil
}
