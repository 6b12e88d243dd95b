package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// DefaultMaxSize is the largest body a fetcher reads when no limit is configured.
const DefaultMaxSize int64 = 50 * 1024 * 1024 // 50MB

var (
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrTooLarge          = errors.New("content exceeds max size")
)

// Request identifies what to fetch and how to verify it.
type Request struct {
	URL string

	// Hash is the expected hex SHA-256 of the body. Empty disables verification.
	Hash string
}

// Fetcher retrieves the full body for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function into a Fetcher.
type Func func(ctx context.Context, req Request) ([]byte, error)

func (f Func) Fetch(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

// Error is a transport failure for a specific URL.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string { return "fetch " + e.URL + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func fail(url string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{URL: url, Err: err}
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected status " + e.Status }

// readWithHash reads all bytes from r up to maxSize, computing SHA256
// as it reads. Returns the data, hex-encoded hash, and any error.
func readWithHash(r io.Reader, maxSize int64) ([]byte, string, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	h := sha256.New()
	lr := io.LimitReader(r, maxSize+1)
	tr := io.TeeReader(lr, h)

	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > maxSize {
		return nil, "", xerrors.Mark(xerrors.Newf("read more than %d bytes", maxSize), ErrTooLarge)
	}

	return data, hex.EncodeToString(h.Sum(nil)), nil
}

// verify compares the computed digest against the expected one.
// Our policy is to always use cryptoutil.HashEqual for digest comparison.
func verify(expected, actual string) error {
	if expected == "" {
		return nil
	}
	expected = cryptoutil.NormalizeHex(expected)
	if !cryptoutil.HashEqual(actual, expected) {
		return xerrors.Mark(xerrors.Newf("expected %s, got %s", expected, actual), ErrChecksumMismatch)
	}
	return nil
}

// readVerified is the common tail of every fetcher: bounded read, hash, compare.
func readVerified(r io.Reader, req Request, maxSize int64) ([]byte, error) {
	data, actual, err := readWithHash(r, maxSize)
	if err != nil {
		return nil, fail(req.URL, xerrors.Wrap(err, "read body"))
	}
	if err := verify(req.Hash, actual); err != nil {
		return nil, fail(req.URL, err)
	}
	return data, nil
}
