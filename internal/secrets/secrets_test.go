package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/tuma/internal/config"
)

func TestEnvProviderResolve(t *testing.T) {
	t.Setenv("TUMA_TEST_SECRET", "s3cret")

	p := NewEnvProvider()
	secret, err := p.Resolve(context.Background(), "env://TUMA_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "s3cret" {
		t.Errorf("value = %q", secret.Value)
	}
	if secret.Metadata["variable"] != "TUMA_TEST_SECRET" {
		t.Errorf("metadata = %v", secret.Metadata)
	}
}

func TestEnvProviderRejections(t *testing.T) {
	p := NewEnvProvider()
	cases := []string{
		"vault://anything",
		"env://",
		"env://TUMA_TEST_UNSET_VARIABLE",
	}
	for _, ref := range cases {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrSecretNotFound", ref, err)
		}
	}
}

func TestCompositeTriesProvidersInOrder(t *testing.T) {
	t.Setenv("TUMA_TEST_SECRET", "from-env")

	p := NewCompositeProvider(NewEnvProvider())
	secret, err := p.Resolve(context.Background(), "env://TUMA_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "from-env" {
		t.Errorf("value = %q", secret.Value)
	}
}

func TestCompositeEmptyChain(t *testing.T) {
	p := NewCompositeProvider()
	if _, err := p.Resolve(context.Background(), "env://ANYTHING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Resolve on empty chain = %v, want ErrSecretNotFound", err)
	}
}

func TestCompositeReportsEachProvider(t *testing.T) {
	p := NewCompositeProvider(NewEnvProvider())
	_, err := p.Resolve(context.Background(), "env://TUMA_TEST_UNSET_VARIABLE")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v, want ErrSecretNotFound", err)
	}
	if got := err.Error(); !strings.Contains(got, "env:") {
		t.Errorf("error %q does not name the failing provider", got)
	}
}

func TestFromConfig(t *testing.T) {
	if p := FromConfig(nil); p.Name() != "env" {
		t.Errorf("nil config provider = %q, want env", p.Name())
	}
	p := FromConfig(&config.SecretsConfig{
		Providers: []config.SecretProviderConfig{{Type: "env"}},
	})
	if p.Name() != "env" {
		t.Errorf("provider = %q, want env", p.Name())
	}
}
