// Package issuer implements identity issuers: a local certificate authority,
// AWS IoT, and an archiving wrapper around either.
//
// # Local CA
//
// LocalIssuer derives its CA key from a 32 byte seed. The seed can be given
// directly, derived from a passphrase with Argon2id, or reconstructed from
// Shamir shares:
//
//	shares, _ := issuer.SplitSeed(seed, 5, 3)
//	seed, _ = issuer.CombineSeed(shares[:3])
//
// SeedCollector accepts shares signed by registered custodians and
// reconstructs the seed once the threshold is reached.
//
// # AWS IoT
//
// AWSIoTIssuer creates an active certificate and a thing per identity, and
// attaches a policy to the certificate and the certificate to the thing.
// Gateways get their own policy and thing type. Revocation undoes all of it.
//
// # Archive
//
// ArchivingIssuer stores the public part of every bundle in a storage backend
// and, with an archive key, the full bundle sealed to that key.
package issuer
