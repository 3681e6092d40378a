package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://VARIABLE_NAME" references from the process
// environment.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	const prefix = "env://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references", ErrSecretNotFound)
	}
	name := strings.TrimPrefix(ref, prefix)
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value, ok := p.lookup(name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}
