package catalog

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// Locator resolves the manifest URL before each fetch.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// SSMAPI is the subset of the SSM client used by SSMLocator.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLocator reads the manifest URL from an SSM parameter. Publishing a new
// manifest is a matter of uploading it and pointing the parameter at it.
type SSMLocator struct {
	Client SSMAPI
	Param  string
}

func (l *SSMLocator) Locate(ctx context.Context) (string, error) {
	out, err := l.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.Param)
	}

	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.Param)
	}
	return v, nil
}
