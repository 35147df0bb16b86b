// Package secrets resolves account credential references into secret
// material. App secrets never live in config files directly: a config
// entry either is the literal value or a reference a Provider resolves at
// startup (environment variable, HashiCorp Vault).
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or written to logs.
type Secret struct {
	Value    string            // The raw secret value (app secret, token).
	Metadata map[string]string // Backend-specific metadata (e.g., version).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or
	// "vault://secret/data/bots/prod#app_secret") and returns the raw
	// secret. Returns ErrSecretNotFound if the reference cannot be
	// resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// IsRef reports whether value is a credential reference rather than
// literal secret material.
func IsRef(value string) bool {
	return strings.HasPrefix(value, "env://") || strings.HasPrefix(value, "vault://")
}

// ResolveValue resolves value through p when it is a credential reference
// and returns it unchanged otherwise, so configs can mix literal secrets
// with references.
func ResolveValue(ctx context.Context, p Provider, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	secret, err := p.Resolve(ctx, value)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}
