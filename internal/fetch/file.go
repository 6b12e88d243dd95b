package fetch

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// FileFetcher reads file:// URLs from the local filesystem.
type FileFetcher struct {
	MaxSize int64
}

func (f *FileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fail(req.URL, err)
	}

	p, err := filePath(req.URL)
	if err != nil {
		return nil, fail(req.URL, err)
	}

	fh, err := os.Open(p)
	if err != nil {
		return nil, fail(req.URL, err)
	}
	defer fh.Close()

	return readVerified(fh, req, f.MaxSize)
}

// filePath converts a file URL into a local path. Both file:///abs/path and
// the host-less file://relative/path forms are accepted.
func filePath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", xerrors.Wrap(err, "parse file url")
	}
	if u.Scheme != "file" {
		return "", xerrors.Newf("not a file url: %s", raw)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = u.Host + p
	}
	if p == "" {
		return "", xerrors.Newf("empty path in file url: %s", raw)
	}
	return filepath.FromSlash(p), nil
}
