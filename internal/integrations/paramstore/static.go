package paramstore

import (
	"context"
	"fmt"
)

// Static serves parameters from a fixed map. It backs local development,
// where values come from the environment instead of SSM.
type Static map[string]string

func (s Static) GetParameter(_ context.Context, name string) (string, error) {
	name, err := normalize(name)
	if err != nil {
		return "", err
	}
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return v, nil
}
