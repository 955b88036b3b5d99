package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// decodePEM returns the DER bytes of the first PEM block, which must be of
// type want.
func decodePEM(data []byte, want string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != want {
		return nil, fmt.Errorf("PEM block is %q, want %q", block.Type, want)
	}
	return block.Bytes, nil
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	der, err := decodePEM(data, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// DeviceCert is a leaf certificate issued to a device or model, in PEM format.
type DeviceCert []byte

func (cert DeviceCert) Validate() error {
	_, err := cert.GetX509Cert()
	return err
}

func (cert DeviceCert) GetX509Cert() (*x509.Certificate, error) {
	return parseCertificatePEM(cert)
}

// IsExpired reports whether NotAfter has passed.
func (cert DeviceCert) IsExpired() (bool, error) {
	c, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return time.Now().After(c.NotAfter), nil
}

// CACert is the PEM certificate of an issuing CA.
type CACert []byte

// NewCACert checks that data holds a CA certificate.
func NewCACert(data []byte) (CACert, error) {
	c, err := parseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("invalid CA certificate: %w", err)
	}
	if !c.IsCA {
		return nil, errors.New("invalid CA certificate: basic constraints do not mark it as a CA")
	}
	return CACert(data), nil
}

func (ca CACert) Validate() error {
	_, err := NewCACert(ca)
	return err
}

func (ca CACert) GetX509Cert() (*x509.Certificate, error) {
	return parseCertificatePEM(ca)
}

// VerifyCertificate checks that cert chains to this CA for client
// authentication, which is how devices present themselves to the broker.
func (ca CACert) VerifyCertificate(cert DeviceCert) error {
	root, err := ca.GetX509Cert()
	if err != nil {
		return err
	}
	leaf, err := cert.GetX509Cert()
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

// PublicKey is a PKIX public key in PEM format.
type PublicKey []byte

func (pub PublicKey) Validate() error {
	_, err := pub.GetPublicKey()
	return err
}

func (pub PublicKey) GetPublicKey() (crypto.PublicKey, error) {
	der, err := decodePEM(pub, "PUBLIC KEY")
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return x509.ParsePKIXPublicKey(der)
}

// PrivateKey is a PKCS#8, SEC1 or PKCS#1 private key in PEM format.
type PrivateKey []byte

// GetPrivateKey returns the parsed private key.
func (priv PrivateKey) GetPrivateKey() (crypto.Signer, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", key)
		}
		return signer, nil
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

// Validate checks if the private key is properly formed.
func (priv PrivateKey) Validate() error {
	_, err := priv.GetPrivateKey()
	return err
}

// PublicKeyPEM derives the PEM encoded public half of the key.
func (priv PrivateKey) PublicKeyPEM() (PublicKey, error) {
	signer, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	switch signer.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", signer)
	}

	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// RandomP256Keypair generates a fresh P-256 key pair, returning the public key
// in PKIX and the private key in SEC1 PEM encoding.
func RandomP256Keypair() (PublicKey, PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return EncodeP256Keypair(privateKey)
}

// EncodeP256Keypair PEM-encodes both halves of an ECDSA key.
func EncodeP256Keypair(privateKey *ecdsa.PrivateKey) (PublicKey, PrivateKey, error) {
	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubkeyBytes})
	return PublicKey(pubPEM), PrivateKey(privPEM), nil
}
