// Package cryptoutils provides the PEM types and cryptographic helpers used by
// identity issuers and the credential archive.
//
// # PEM Types
//
//   - CACert: a certificate authority certificate with chain verification
//   - DeviceCert: a leaf certificate issued to a device or model
//   - PublicKey / PrivateKey: key material with parsing and validation
//
// # Sealing
//
// Full identity bundles are archived encrypted to an archive public key using
// ECIES:
//
//   - NIST P-256 ephemeral ECDH for key agreement
//   - SHA-256 of the shared secret as the AES-256 key
//   - AES-GCM for authenticated encryption
//
// The sealed format is:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
//
// # Key Derivation
//
// DeriveSeed stretches an operator passphrase into a 32 byte issuer seed with
// Argon2id, so that the local certificate authority can be reconstructed
// without storing the seed.
package cryptoutils
