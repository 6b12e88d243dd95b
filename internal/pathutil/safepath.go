// Package pathutil validates slash-separated paths taken from untrusted input.
package pathutil

import (
	"io/fs"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ArchiveName turns a tar entry name into an fs.FS path. A leading "./" and
// trailing "/" are dropped; the root entry yields "". Absolute names, dot
// segments and backslashes are rejected rather than cleaned.
func ArchiveName(name string) (string, error) {
	n := strings.TrimPrefix(name, "./")
	n = strings.TrimSuffix(n, "/")
	if n == "" || n == "." {
		return "", nil
	}
	if path.IsAbs(n) {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	if HasDotSegments(n) {
		return "", xerrors.Newf("path traversal in archive: %s", name)
	}
	if strings.Contains(n, `\`) || !fs.ValidPath(n) {
		return "", xerrors.Newf("invalid path in archive: %q", name)
	}
	return n, nil
}
