// Package wcredtest generates throwaway credentials for tests.
package wcredtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/gordian-engine/wyvern/wcred"
)

// GenerateEd25519 returns raw-key credentials with a fresh keypair.
func GenerateEd25519() (wcred.Credentials, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return wcred.Credentials{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return wcred.FromEd25519(priv)
}

// CertConfig is the configuration for [GenerateCert].
type CertConfig struct {
	ValidFor time.Duration

	// Optional subject, will use a reasonable default otherwise.
	Subject *pkix.Name

	DNSNames []string
}

// GenerateCert returns certificate-backed credentials
// with a self-signed Ed25519 leaf.
func GenerateCert(cfg CertConfig) (wcred.Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return wcred.Credentials{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	validFor := cfg.ValidFor
	if validFor == 0 {
		validFor = time.Hour
	}

	var name pkix.Name
	if cfg.Subject == nil {
		name = pkix.Name{
			Organization: []string{"Test Endpoint"},
			CommonName:   "Test Endpoint Leaf",
		}
	} else {
		name = *cfg.Subject
	}

	dnsNames := cfg.DNSNames
	if dnsNames == nil {
		dnsNames = []string{"localhost"}
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),

		Subject:   name,
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},

		DNSNames: dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return wcred.Credentials{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return wcred.Credentials{}, fmt.Errorf("failed to re-parse certificate: %w", err)
	}

	return wcred.FromCertificate(tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	})
}
