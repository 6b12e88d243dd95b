// Package fetch retrieves manifest and bundle bytes over the transports the
// service supports and verifies them against an expected content hash.
//
// The core components are:
//   - [Fetcher]: the single-method interface everything else depends on
//   - [Mux]: dispatches by URL scheme and traces each fetch
//   - [HTTPFetcher]: http(s) GET through an otelhttp transport, paced by a token bucket
//   - [FileFetcher]: local reads of file:// URLs for sandboxed deployments
//   - [S3Fetcher]: s3://bucket/key reads via the AWS SDK
//
// Every fetcher reads at most MaxSize bytes, hashes while reading, and fails
// with [ErrChecksumMismatch] when the digest differs from [Request.Hash].
// Failures are reported as [*Error], which carries the URL and the cause.
package fetch
