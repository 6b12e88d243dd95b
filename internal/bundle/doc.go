// Package bundle loads content bundles named in the catalog and publishes
// their sub-resources.
//
// A [Manager] hands out at most one live [Loader] per bundle name. A Loader
// moves through Idle, Downloading, Ready or Failed, and finally Disposed:
//
//	Idle --Start--> Downloading --ok--> Ready
//	                     |
//	                     +--error--> Failed --Start--> Downloading
//	any --Dispose--> Disposed
//
// On success the loader extracts the archive, registers its atlases with the
// shared atlas registry and its clips with the audio system, then sets its
// one-shot Complete flag. Disposal reverses the registration, removes the
// loader from the manager and releases the extracted content. A fetch that
// finishes after disposal registers nothing and never sets Complete.
package bundle
