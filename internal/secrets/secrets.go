// Package secrets defines the Provider interface for credential resolution.
// The bot and webhook tokens are resolved here at wiring time and handed to
// the API client only. Sandboxed code NEVER receives secret material — the
// validator rejects direct secret access and no injected global exposes it.
package secrets

import (
	"context"
	"fmt"

	"github.com/jkaninda/tuma/internal/config"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or passed into an isolate.
type Secret struct {
	Value    string            // The raw secret value (token, password).
	Metadata map[string]string // Backend-specific metadata (e.g., source, variable).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://TUMA_BOT_TOKEN")
	// and returns the raw secret. Returns ErrSecretNotFound if the reference
	// cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// FromConfig builds the provider chain from config. A nil config selects the
// env-only default.
func FromConfig(cfg *config.SecretsConfig) Provider {
	if cfg == nil || len(cfg.Providers) == 0 {
		return NewEnvProvider()
	}
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "env":
			providers = append(providers, NewEnvProvider())
		}
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return NewCompositeProvider(providers...)
}
