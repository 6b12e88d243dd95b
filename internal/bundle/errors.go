package bundle

import "errors"

var (
	ErrNotInitialized = errors.New("catalog not initialized")
	ErrUnknownBundle  = errors.New("unknown bundle")
	ErrBundleFetch    = errors.New("bundle fetch failed")
	ErrBundleInvalid  = errors.New("bundle invalid")
	ErrDisposed       = errors.New("loader disposed")
	ErrNotStarted     = errors.New("loader not started")
)
