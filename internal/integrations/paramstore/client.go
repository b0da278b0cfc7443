// Package paramstore resolves the helper's parameters: the OpenAI token and
// the model and instruction-version overrides that live under PARAM_PREFIX.
//
// SSMStore reads them from AWS Systems Manager in the Lambda deployment.
// Static serves the same names from a map for the local devserver.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound marks a parameter that is not defined. Optional overrides
// such as the image model are skipped when a lookup fails with it.
var ErrNotFound = errors.New("paramstore: parameter not found")

type ssmGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMStore looks parameters up in SSM, decrypting SecureString values.
type SSMStore struct {
	ssm ssmGetter
}

// NewSSM wraps an SSM client, normally *ssm.Client.
func NewSSM(client ssmGetter) (*SSMStore, error) {
	if client == nil {
		return nil, errors.New("paramstore: ssm client is nil")
	}
	return &SSMStore{ssm: client}, nil
}

func (s *SSMStore) GetParameter(ctx context.Context, name string) (string, error) {
	if s == nil || s.ssm == nil {
		return "", errors.New("paramstore: store not initialized")
	}
	name, err := normalize(name)
	if err != nil {
		return "", err
	}

	out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", lookupError(name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: %q has no value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// lookupError folds SSM's two absence errors into ErrNotFound. A name with a
// ":version" selector fails with ParameterVersionNotFound instead.
func lookupError(name string, err error) error {
	var missing *types.ParameterNotFound
	var missingVersion *types.ParameterVersionNotFound
	if errors.As(err, &missing) || errors.As(err, &missingVersion) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return fmt.Errorf("paramstore: read %q: %w", name, err)
}

func normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: empty parameter name")
	}
	return name, nil
}
