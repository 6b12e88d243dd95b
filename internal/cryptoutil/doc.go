// Package cryptoutil provides integrity and signature primitives for
// bundle manifests and bundle archives.
//
// It supports:
//   - Constant-time comparison of hex-encoded digests
//   - SHA-256 hashing helpers for archive verification
//   - KMS-backed signature verification of manifests (ECDSA P-256/P-384,
//     RSA-PSS with optional PKCS1v15 fallback)
package cryptoutil
