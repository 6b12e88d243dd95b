package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// S3API is the subset of the S3 client used for fetching.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads s3://bucket/key URLs.
type S3Fetcher struct {
	Client  S3API
	MaxSize int64
}

func (f *S3Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	bucket, key, err := parseS3URL(req.URL)
	if err != nil {
		return nil, fail(req.URL, err)
	}
	if f.Client == nil {
		return nil, fail(req.URL, xerrors.New("s3 client is not configured"))
	}

	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fail(req.URL, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key))
	}
	defer out.Body.Close()

	return readVerified(out.Body, req, f.MaxSize)
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", xerrors.Wrap(err, "parse s3 url")
	}
	if u.Scheme != "s3" {
		return "", "", xerrors.Newf("not an s3 url: %s", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", xerrors.Newf("s3 url needs bucket and key: %s", raw)
	}
	return bucket, key, nil
}
