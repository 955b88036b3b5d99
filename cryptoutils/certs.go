package cryptoutils

import (
	"crypto"
	"fmt"
)

// VerifyKeyPair checks that cert was issued to thingName and that key is the
// private half of the certificate's public key.
func VerifyKeyPair(key PrivateKey, cert DeviceCert, thingName string) error {
	signer, err := key.GetPrivateKey()
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	c, err := cert.GetX509Cert()
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if c.Subject.CommonName != thingName {
		return fmt.Errorf("certificate issued to %q, want %q", c.Subject.CommonName, thingName)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(c.PublicKey) {
		return fmt.Errorf("private key does not match certificate of %q", thingName)
	}
	return nil
}
