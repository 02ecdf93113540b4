package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSignedPair writes a throwaway self-signed node.crt/node.key/ca.crt
// triple to dir, standing in for what the node daemon would otherwise hand
// stepd via Config.
func selfSignedPair(t *testing.T, dir string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "peer-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(filepath.Join(dir, "node.crt"), certPEM, 0600); err != nil {
		t.Fatalf("write node.crt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node.key"), keyPEM, 0600); err != nil {
		t.Fatalf("write node.key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca.crt"), certPEM, 0644); err != nil {
		t.Fatalf("write ca.crt: %v", err)
	}
}

func TestLoadCertFromFile(t *testing.T) {
	dir := t.TempDir()
	selfSignedPair(t, dir)

	cert, err := LoadCertFromFile(dir)
	if err != nil {
		t.Fatalf("LoadCertFromFile: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "peer-test" {
		t.Errorf("unexpected CN: %s", cert.Leaf.Subject.CommonName)
	}
}

func TestLoadCACertFromFile(t *testing.T) {
	dir := t.TempDir()
	selfSignedPair(t, dir)

	ca, err := LoadCACertFromFile(dir)
	if err != nil {
		t.Fatalf("LoadCACertFromFile: %v", err)
	}
	if ca.Subject.CommonName != "peer-test" {
		t.Errorf("unexpected CA CN: %s", ca.Subject.CommonName)
	}
}

func TestCertExists(t *testing.T) {
	dir := t.TempDir()

	if CertExists(dir) {
		t.Error("expected no certificate in empty dir")
	}

	selfSignedPair(t, dir)
	if !CertExists(dir) {
		t.Error("expected certificate triple to exist")
	}

	os.Remove(filepath.Join(dir, "node.key"))
	if CertExists(dir) {
		t.Error("expected incomplete triple to report missing")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		role   string
		nodeID string
	}{
		{"controller", "node1"},
		{"peer", "node2"},
	}

	for _, tt := range tests {
		t.Run(tt.role+"-"+tt.nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.role, tt.nodeID)
			if err != nil {
				t.Fatalf("GetCertDir: %v", err)
			}
			expected := tt.role + "-" + tt.nodeID
			if filepath.Base(certDir) != expected {
				t.Errorf("expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}
