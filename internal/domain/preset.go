package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies an external image-generation capability. The set is
// closed: adding a provider means adding an adapter.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderStability Provider = "stability"
	ProviderDashScope Provider = "dashscope"
)

// ParseProvider validates a provider token.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderStability:
		return ProviderStability, nil
	case ProviderDashScope:
		return ProviderDashScope, nil
	default:
		return "", fmt.Errorf("%w: provider %q", ErrInvalidInput, s)
	}
}

// Preset is a reusable prompt template plus provider selection and a fixed
// credit price. The job pipeline reads presets and never mutates them.
type Preset struct {
	ID         string
	Name       string
	Template   string
	Provider   Provider
	CreditCost int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
