package wcred_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/gordian-engine/wyvern/wcred"
	"github.com/gordian-engine/wyvern/wcred/wcredtest"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Zero(t *testing.T) {
	t.Parallel()

	var c wcred.Credentials
	require.False(t, c.IsSet())
	require.Equal(t, wcred.KindUnset, c.Kind())
	require.Nil(t, c.PublicKey())
	require.Nil(t, c.PrivateKey())
}

func TestFromEd25519(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c, err := wcred.FromEd25519(priv)
	require.NoError(t, err)

	require.True(t, c.IsSet())
	require.Equal(t, wcred.KindEd25519, c.Kind())
	require.Equal(t, pub, c.PublicKey())
	require.Equal(t, priv, c.PrivateKey())

	require.Panics(t, func() { c.Certificate() })
	require.Panics(t, func() { c.Leaf() })
}

func TestFromEd25519_RejectsBadLength(t *testing.T) {
	t.Parallel()

	_, err := wcred.FromEd25519(make(ed25519.PrivateKey, 31))
	require.Error(t, err)
}

func TestFromEd25519Seed(t *testing.T) {
	t.Parallel()

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	c, err := wcred.FromEd25519Seed(seed)
	require.NoError(t, err)

	want := ed25519.NewKeyFromSeed(seed)
	require.Equal(t, want.Public(), c.PublicKey())

	_, err = wcred.FromEd25519Seed(seed[:16])
	require.Error(t, err)
}

func TestFromCertificate(t *testing.T) {
	t.Parallel()

	c, err := wcredtest.GenerateCert(wcredtest.CertConfig{})
	require.NoError(t, err)

	require.True(t, c.IsSet())
	require.Equal(t, wcred.KindX509, c.Kind())

	// The leaf's key and the presented key must agree, whichever
	// variant the credentials are.
	require.Equal(t,
		c.Leaf().PublicKey.(ed25519.PublicKey),
		c.PublicKey(),
	)
	require.Len(t, c.Certificate().Certificate, 1)
}

func TestFromCertificate_RejectsNonEd25519(t *testing.T) {
	t.Parallel()

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert, err := wcredtest.GenerateCert(wcredtest.CertConfig{})
	require.NoError(t, err)

	bad := cert.Certificate()
	bad.PrivateKey = ec

	_, err = wcred.FromCertificate(bad)
	require.Error(t, err)
}
