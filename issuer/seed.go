package issuer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/iot-identity-provisioning/cryptoutils"
)

// SplitSeed splits an issuer seed into shares, any threshold of which
// reconstruct it. The seed itself is never persisted.
func SplitSeed(seed []byte, shares, threshold int) ([][]byte, error) {
	if len(seed) < 32 {
		return nil, errors.New("seed must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if shares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	parts, err := shamir.Split(seed, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split seed: %w", err)
	}
	return parts, nil
}

// CombineSeed reconstructs a seed from shares.
func CombineSeed(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least 2 shares are required")
	}
	seed, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct seed: %w", err)
	}
	return seed, nil
}

// NewRandomSeed returns a fresh 32 byte seed.
func NewRandomSeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// SeedCollector gathers shares signed by registered custodians until the
// threshold is reached and the seed can be reconstructed.
type SeedCollector struct {
	mu        sync.Mutex
	threshold int
	admins    map[string][]byte // public key fingerprint -> PEM
	received  map[string][]byte // fingerprint -> share
	seed      []byte
}

// NewSeedCollector creates a collector accepting shares signed by the given
// custodian public keys.
func NewSeedCollector(threshold int, adminPubKeys [][]byte) (*SeedCollector, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(adminPubKeys) < threshold {
		return nil, errors.New("fewer custodians than threshold")
	}

	c := &SeedCollector{
		threshold: threshold,
		admins:    make(map[string][]byte),
		received:  make(map[string][]byte),
	}
	for _, pubPEM := range adminPubKeys {
		if err := cryptoutils.PublicKey(pubPEM).Validate(); err != nil {
			return nil, fmt.Errorf("invalid custodian public key: %w", err)
		}
		c.admins[fingerprint(pubPEM)] = pubPEM
	}
	return c, nil
}

// SubmitShare verifies the custodian's signature over the share and stores
// it. Once enough shares are in, the seed is reconstructed and true is returned.
func (c *SeedCollector) SubmitShare(share, signature, adminPubKeyPEM []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seed != nil {
		return true, nil
	}

	fp := fingerprint(adminPubKeyPEM)
	if _, ok := c.admins[fp]; !ok {
		return false, errors.New("unregistered custodian public key")
	}

	block, _ := pem.Decode(adminPubKeyPEM)
	if block == nil {
		return false, errors.New("failed to decode custodian public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("failed to parse custodian public key: %w", err)
	}

	digest := sha256.Sum256(share)
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return false, errors.New("invalid share signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, digest[:], signature) {
			return false, errors.New("invalid share signature")
		}
	default:
		return false, errors.New("custodian key is neither ECDSA nor Ed25519")
	}

	c.received[fp] = append([]byte(nil), share...)
	if len(c.received) < c.threshold {
		return false, nil
	}

	shares := make([][]byte, 0, len(c.received))
	for _, s := range c.received {
		shares = append(shares, s)
	}
	seed, err := CombineSeed(shares)
	if err != nil {
		return false, err
	}

	c.seed = seed
	for fp, s := range c.received {
		clear(s)
		delete(c.received, fp)
	}
	return true, nil
}

// Seed returns the reconstructed seed, or nil while shares are missing.
func (c *SeedCollector) Seed() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seed
}

// SignShare signs a share with a custodian's ECDSA key.
func SignShare(share []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

func fingerprint(pubPEM []byte) string {
	sum := sha256.Sum256(pubPEM)
	return hex.EncodeToString(sum[:])
}
