// Package catalog owns the bundle manifest: the versioned index that maps
// bundle names to content hashes.
//
// A [Catalog] fetches the manifest once on [Catalog.Initialize] and flips a
// one-shot readiness flag on the first successful parse. Later refreshes
// (see [Refresher]) replace the manifest wholesale; readiness never reverts.
//
// The manifest location is either a fixed URL or resolved from an SSM
// parameter before each fetch ([SSMLocator]). When a signature verifier is
// configured, the raw manifest bytes must verify against "<url>.sig".
package catalog
