package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string, isCA bool) (DeviceCert, PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	_, priv, err := EncodeP256Keypair(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), priv
}

func TestVerifyKeyPair(t *testing.T) {
	cert, key := selfSigned(t, "SN001", false)
	_, otherKey := selfSigned(t, "SN002", false)

	require.NoError(t, VerifyKeyPair(key, cert, "SN001"))
	require.Error(t, VerifyKeyPair(key, cert, "SN002"))
	require.Error(t, VerifyKeyPair(otherKey, cert, "SN001"))
	require.Error(t, VerifyKeyPair(PrivateKey("bad"), cert, "SN001"))
	require.Error(t, VerifyKeyPair(key, DeviceCert("bad"), "SN001"))
}

func TestCertTypes(t *testing.T) {
	leaf, _ := selfSigned(t, "leaf", false)
	ca, _ := selfSigned(t, "root", true)

	require.NoError(t, leaf.Validate())
	_, err := NewCACert(leaf)
	require.Error(t, err, "a leaf is not a CA")
	require.NoError(t, CACert(ca).Validate())

	expired, err := leaf.IsExpired()
	require.NoError(t, err)
	require.False(t, expired)

	// A self-signed leaf does not chain to an unrelated root
	require.Error(t, CACert(ca).VerifyCertificate(leaf))
}
