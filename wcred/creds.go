// Package wcred models the TLS credentials a wyvern endpoint
// presents during the handshake.
//
// Credentials come in exactly two variants: backed by an X.509
// certificate, or backed by a raw Ed25519 keypair. The variant is a
// tagged value rather than an interface hierarchy, since there are
// only two cases and callers frequently need to switch on the kind.
package wcred

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// Kind tags the credential variant.
type Kind int

const (
	KindUnset Kind = iota
	KindX509
	KindEd25519
)

func (k Kind) String() string {
	switch k {
	case KindX509:
		return "x509"
	case KindEd25519:
		return "ed25519"
	default:
		return "unset"
	}
}

// Credentials are the key material one side presents.
//
// A Credentials value is small and immutable; pass it by value.
type Credentials struct {
	kind Kind

	// X509 variant.
	cert tls.Certificate
	leaf *x509.Certificate

	// Ed25519 variant.
	priv ed25519.PrivateKey
}

// FromCertificate returns certificate-backed credentials.
//
// When cert.Leaf is nil the leaf is parsed from the first DER entry.
// The certificate must carry an Ed25519 private key, since wyvern
// identifies peers by Ed25519 public key.
func FromCertificate(cert tls.Certificate) (Credentials, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return Credentials{}, errors.New("certificate has no DER entries")
		}
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
	}

	if _, ok := cert.PrivateKey.(ed25519.PrivateKey); !ok {
		return Credentials{}, fmt.Errorf(
			"certificate private key must be ed25519 (got %T)", cert.PrivateKey,
		)
	}
	if _, ok := leaf.PublicKey.(ed25519.PublicKey); !ok {
		return Credentials{}, fmt.Errorf(
			"leaf public key must be ed25519 (got %T)", leaf.PublicKey,
		)
	}

	return Credentials{
		kind: KindX509,
		cert: cert,
		leaf: leaf,
	}, nil
}

// FromEd25519 returns raw-key credentials from a full private key.
func FromEd25519(priv ed25519.PrivateKey) (Credentials, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Credentials{}, fmt.Errorf(
			"ed25519 private key must be %d bytes (got %d)",
			ed25519.PrivateKeySize, len(priv),
		)
	}
	return Credentials{kind: KindEd25519, priv: priv}, nil
}

// FromEd25519Seed returns raw-key credentials from a 32-byte seed.
func FromEd25519Seed(seed []byte) (Credentials, error) {
	if len(seed) != ed25519.SeedSize {
		return Credentials{}, fmt.Errorf(
			"ed25519 seed must be %d bytes (got %d)", ed25519.SeedSize, len(seed),
		)
	}
	return Credentials{kind: KindEd25519, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Kind reports the variant tag.
func (c Credentials) Kind() Kind { return c.kind }

// IsSet reports whether the credentials hold key material.
func (c Credentials) IsSet() bool { return c.kind != KindUnset }

// PublicKey is the Ed25519 public key this identity presents,
// regardless of variant.
func (c Credentials) PublicKey() ed25519.PublicKey {
	switch c.kind {
	case KindX509:
		return c.leaf.PublicKey.(ed25519.PublicKey)
	case KindEd25519:
		return c.priv.Public().(ed25519.PublicKey)
	default:
		return nil
	}
}

// PrivateKey is the Ed25519 private key backing the identity.
func (c Credentials) PrivateKey() ed25519.PrivateKey {
	switch c.kind {
	case KindX509:
		return c.cert.PrivateKey.(ed25519.PrivateKey)
	case KindEd25519:
		return c.priv
	default:
		return nil
	}
}

// Certificate returns the certificate of an X509-backed value.
// It panics for other variants; check Kind first.
func (c Credentials) Certificate() tls.Certificate {
	if c.kind != KindX509 {
		panic(fmt.Errorf("Certificate called on %v credentials", c.kind))
	}
	return c.cert
}

// Leaf returns the parsed leaf of an X509-backed value.
// It panics for other variants; check Kind first.
func (c Credentials) Leaf() *x509.Certificate {
	if c.kind != KindX509 {
		panic(fmt.Errorf("Leaf called on %v credentials", c.kind))
	}
	return c.leaf
}
