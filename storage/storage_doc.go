// Package storage provides content-addressed archive backends for issued
// identity material.
//
// Every issued bundle can be archived in two forms: its public part
// (certificate, public key, connectivity descriptor) and, optionally, the full
// bundle sealed to an archive public key. Each form lives in its own content
// type namespace and is addressed by the SHA-256 of the stored bytes.
//
// # Storage URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/provisioner/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//   - vault://vault.example.com:8200/secret/iot-archive (token from VAULT_TOKEN)
//
// Several URIs combine into a ReplicatedBackend. A store succeeds once
// archive.min_copies backends hold the content; reads verify the hash of
// every copy before returning it.
package storage
