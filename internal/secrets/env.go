package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const envScheme = "env://"

// EnvProvider resolves "env://VARIABLE" references against the process
// environment. It is the default provider when no secrets section is
// configured, which keeps tokens out of config files without any external
// secret store.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, envScheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an env:// reference", ErrSecretNotFound, ref)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: env reference names no variable", ErrSecretNotFound)
	}
	value, set := os.LookupEnv(name)
	if !set || value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is unset or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}
