package llm

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider indicates the configured provider has no adapter.
var ErrUnknownProvider = errors.New("unknown LLM provider")

// ProviderError wraps a failure from an LLM backend. The provider name is
// carried so turn-level failures can be logged with enough context to debug.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// providerErr is a small helper used by the adapters.
func providerErr(provider string, format string, args ...any) error {
	return &ProviderError{Provider: provider, Err: fmt.Errorf(format, args...)}
}
