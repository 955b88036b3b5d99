package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const gcmNonceSize = 12

// EncryptWithPublicKey seals data to the given P-256 public key using ECIES:
// an ephemeral ECDH exchange, SHA-256 of the shared secret as the AES key and
// AES-GCM for authenticated encryption.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func EncryptWithPublicKey(publicKeyPEM PublicKey, data []byte) ([]byte, error) {
	parsed, err := publicKeyPEM.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaPub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}

	recipient, err := ecdsaPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	result := make([]byte, 2, 2+len(ephemeralBytes)+gcmNonceSize+len(data)+aesGCM.Overhead())
	binary.BigEndian.PutUint16(result, uint16(len(ephemeralBytes)))
	result = append(result, ephemeralBytes...)
	result = append(result, nonce...)
	return aesGCM.Seal(result, nonce, data, nil), nil
}

// DecryptWithPrivateKey opens data sealed by EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM PrivateKey, encryptedData []byte) ([]byte, error) {
	signer, err := privateKeyPEM.GetPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ecdsaPriv, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}

	recipient, err := ecdsaPriv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	keyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+keyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeral, err := recipient.Curve().NewPublicKey(encryptedData[2 : 2+keyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := recipient.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := encryptedData[2+keyLen : 2+keyLen+gcmNonceSize]
	plaintext, err := aesGCM.Open(nil, nonce, encryptedData[2+keyLen+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// DeriveSeed stretches an operator passphrase into a 32 byte issuer seed using
// Argon2id. The same passphrase and salt always yield the same seed.
func DeriveSeed(passphrase []byte, salt string) []byte {
	// time=1, memory=64MiB, threads=4, keyLen=32
	return argon2.IDKey(passphrase, []byte("IOT-ISSUER-SEED-"+salt), 1, 64*1024, 4, 32)
}
