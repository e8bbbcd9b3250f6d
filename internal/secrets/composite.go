package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeProvider tries an ordered chain of providers; the first
// successful resolution wins and later providers are not consulted.
type CompositeProvider struct {
	chain []Provider
}

// NewCompositeProvider builds a provider that delegates to chain in order.
func NewCompositeProvider(chain ...Provider) *CompositeProvider {
	return &CompositeProvider{chain: chain}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	errs := make([]error, 0, len(p.chain))
	for _, provider := range p.chain {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: provider chain is empty", ErrSecretNotFound)
	}
	return nil, errors.Join(errs...)
}
