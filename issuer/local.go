package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ruteri/iot-identity-provisioning/cryptoutils"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// LocalConfig configures a LocalIssuer.
type LocalConfig struct {
	// Organization is written into the CA and leaf subjects.
	Organization string
	// Endpoint is reported in every connectivity descriptor.
	Endpoint string
	// Validity is the lifetime of leaf certificates. Defaults to one year.
	Validity time.Duration
	// RevocationFile is where revocations are kept as a PEM CRL signed by the
	// CA key. Processes sharing the seed and the file share revocations.
	// Empty keeps revocations in memory only.
	RevocationFile string
}

// LocalIssuer is a self-contained certificate authority. The CA key is derived
// deterministically from a seed, so the same seed yields a CA that verifies
// every certificate it issued before a restart. Leaf keys are random.
//
// Revocations are persisted to LocalConfig.RevocationFile when set and are
// exposed through IsRevoked and CRL. Certificate IDs are the hex serials.
type LocalIssuer struct {
	seed []byte
	cfg  LocalConfig
	log  *slog.Logger

	caOnce sync.Once
	caKey  *ecdsa.PrivateKey
	caCert interfaces.CACert
	caErr  error

	mu        sync.Mutex
	issued    map[string]string // certificate ID -> thing name
	revoked   map[string]time.Time
	crlNumber *big.Int
}

// NewLocalIssuer creates a local CA from a seed of at least 32 bytes.
func NewLocalIssuer(seed []byte, cfg LocalConfig, log *slog.Logger) (*LocalIssuer, error) {
	if len(seed) < 32 {
		return nil, errors.New("issuer seed must be at least 32 bytes")
	}
	if cfg.Validity == 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}
	if cfg.Organization == "" {
		cfg.Organization = "IoT Provisioner"
	}

	i := &LocalIssuer{
		seed:      append([]byte(nil), seed...),
		cfg:       cfg,
		log:       log,
		issued:    make(map[string]string),
		revoked:   make(map[string]time.Time),
		crlNumber: big.NewInt(0),
	}
	if err := i.mergeRevocationFileLocked(); err != nil {
		return nil, err
	}
	return i, nil
}

// NewLocalIssuerFromPassphrase derives the seed from an operator passphrase.
func NewLocalIssuerFromPassphrase(passphrase []byte, salt string, cfg LocalConfig, log *slog.Logger) (*LocalIssuer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return NewLocalIssuer(cryptoutils.DeriveSeed(passphrase, salt), cfg, log)
}

// CA returns the issuing CA certificate.
func (i *LocalIssuer) CA() (interfaces.CACert, error) {
	_, cert, err := i.ca()
	return cert, err
}

func (i *LocalIssuer) ca() (*ecdsa.PrivateKey, interfaces.CACert, error) {
	i.caOnce.Do(func() {
		i.caKey, i.caErr = deriveKey(i.seed, "ca")
		if i.caErr != nil {
			return
		}
		i.caCert, i.caErr = createCACertificate(i.caKey, i.cfg.Organization)
	})
	return i.caKey, i.caCert, i.caErr
}

// Issue mints a fresh key pair and a client certificate with the requested
// name as common name. Gateways additionally get server auth usage.
func (i *LocalIssuer) Issue(ctx context.Context, req interfaces.IssueRequest) (interfaces.IdentityBundle, error) {
	if req.Name == "" {
		return interfaces.IdentityBundle{}, errors.New("empty thing name")
	}
	if err := ctx.Err(); err != nil {
		return interfaces.IdentityBundle{}, err
	}

	caKey, caCertPEM, err := i.ca()
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to derive CA: %w", err)
	}
	caCert, err := caCertPEM.GetX509Cert()
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	pubPEM, privPEM, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return interfaces.IdentityBundle{}, err
	}
	pub, err := pubPEM.GetPublicKey()
	if err != nil {
		return interfaces.IdentityBundle{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	extUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if req.Kind == interfaces.KindGateway {
		extUsage = append(extUsage, x509.ExtKeyUsageServerAuth)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{i.cfg.Organization},
			CommonName:   req.Name,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(i.cfg.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           extUsage,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, pub, caKey)
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := cryptoutils.VerifyKeyPair(privPEM, certPEM, req.Name); err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("minted inconsistent identity: %w", err)
	}

	certID := serialID(serialNumber)
	i.mu.Lock()
	i.issued[certID] = req.Name
	i.mu.Unlock()

	i.log.Debug("issued local identity", "thing", req.Name, "kind", req.Kind, "certificate", certID)

	return interfaces.IdentityBundle{
		CA:          caCertPEM,
		Certificate: certPEM,
		PublicKey:   pubPEM,
		PrivateKey:  privPEM,
		Connectivity: interfaces.ConnectivityDescriptor{
			ThingName:     req.Name,
			CertificateID: certID,
			Endpoint:      i.cfg.Endpoint,
		},
	}, nil
}

// Revoke marks the certificate as revoked. Revoking twice is not an error.
func (i *LocalIssuer) Revoke(ctx context.Context, desc interfaces.ConnectivityDescriptor) error {
	if desc.CertificateID == "" {
		return errors.New("descriptor has no certificate ID")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	name, ok := i.issued[desc.CertificateID]
	if ok && name != desc.ThingName {
		return fmt.Errorf("certificate %s belongs to %q, not %q", desc.CertificateID, name, desc.ThingName)
	}
	if _, done := i.revoked[desc.CertificateID]; done {
		return nil
	}

	if i.cfg.RevocationFile == "" {
		i.revoked[desc.CertificateID] = time.Now()
	} else {
		if _, ok := new(big.Int).SetString(desc.CertificateID, 16); !ok {
			return fmt.Errorf("certificate ID %q is not a local serial", desc.CertificateID)
		}
		if err := i.persistRevocationLocked(desc.CertificateID, time.Now()); err != nil {
			return err
		}
	}
	i.log.Debug("revoked local identity", "thing", desc.ThingName, "certificate", desc.CertificateID)
	return nil
}

// IsRevoked reports whether the certificate ID was revoked by this issuer or,
// with a revocation file, by any process sharing it.
func (i *LocalIssuer) IsRevoked(certificateID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.revoked[certificateID]; ok {
		return true
	}
	if err := i.mergeRevocationFileLocked(); err != nil {
		i.log.Warn("failed to read revocation file", "err", err)
		return false
	}
	_, ok := i.revoked[certificateID]
	return ok
}

func serialID(serial *big.Int) string {
	return serial.Text(16)
}

// deriveKey derives a P-256 key from the seed and a label.
func deriveKey(seed []byte, label string) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	n := curve.Params().N

	// Rehash on the rare out-of-range scalar so the result stays deterministic.
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(label))
	digest := h.Sum(nil)
	for i := 0; i < 16; i++ {
		d := new(big.Int).SetBytes(digest)
		if d.Sign() > 0 && d.Cmp(n) < 0 {
			key := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
			key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(digest)
			return key, nil
		}
		next := sha256.Sum256(digest)
		digest = next[:]
	}
	return nil, errors.New("could not derive key from seed")
}

// createCACertificate creates a self-signed CA certificate valid for 10 years.
func createCACertificate(caKey *ecdsa.PrivateKey, org string) (interfaces.CACert, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   fmt.Sprintf("%s Device CA", org),
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}
