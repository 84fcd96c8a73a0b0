package llm

import (
	"fmt"
	"strings"
)

// ProviderType selects the wire protocol family an entry speaks.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// ProviderDetails is one configured backend: identity, credential, endpoint
// and wire family. Value type, cloned freely. BaseURL always ends with "/"
// once the details pass through NewProviderDetails or Normalized.
type ProviderDetails struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	Type        string `json:"provider_type" yaml:"provider_type"`
	BaseURL     string `json:"base_url" yaml:"base_url"`
}

// NewProviderDetails constructs details with the base URL normalized to end
// with a path separator.
func NewProviderDetails(id, name, description, apiKey, providerType, baseURL string) ProviderDetails {
	return ProviderDetails{
		ID:          id,
		Name:        name,
		Description: description,
		APIKey:      apiKey,
		Type:        providerType,
		BaseURL:     normalizeBaseURL(baseURL),
	}
}

// Normalized returns a copy with the base URL normalized. Idempotent.
func (d ProviderDetails) Normalized() ProviderDetails {
	d.BaseURL = normalizeBaseURL(d.BaseURL)
	return d
}

func normalizeBaseURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// Provider resolves the details into a tagged Provider. Construction fails
// when provider_type names neither wire family.
func (d ProviderDetails) Provider() (Provider, error) {
	switch ProviderType(d.Type) {
	case ProviderTypeOpenAI:
		return Provider{kind: ProviderTypeOpenAI, details: d.Normalized()}, nil
	case ProviderTypeAnthropic:
		return Provider{kind: ProviderTypeAnthropic, details: d.Normalized()}, nil
	default:
		return Provider{}, &Error{
			Code:     ErrUnknownProviderType,
			Message:  fmt.Sprintf("unknown provider type %q for provider %q", d.Type, d.ID),
			Provider: d.ID,
		}
	}
}

// Provider is a closed tagged union over the two wire families. The zero
// value is invalid; construct via ProviderDetails.Provider.
type Provider struct {
	kind    ProviderType
	details ProviderDetails
}

// Type returns the wire family tag.
func (p Provider) Type() ProviderType { return p.kind }

// Details returns the underlying provider details.
func (p Provider) Details() ProviderDetails { return p.details }

func (p Provider) ID() string      { return p.details.ID }
func (p Provider) Name() string    { return p.details.Name }
func (p Provider) APIKey() string  { return p.details.APIKey }
func (p Provider) BaseURL() string { return p.details.BaseURL }

func (p Provider) String() string {
	return fmt.Sprintf("%s (%s)", p.details.Name, p.details.ID)
}

// ProviderConfig holds the resolved catalog plus the id of the active entry.
type ProviderConfig struct {
	ActiveProviderID string            `json:"active_provider_id,omitempty" yaml:"active_provider_id,omitempty"`
	Providers        []ProviderDetails `json:"providers" yaml:"providers"`
}

// SetActiveProvider switches the active entry. The id is validated on the
// next Provider call, not here.
func (c *ProviderConfig) SetActiveProvider(id string) {
	c.ActiveProviderID = id
}

// Provider resolves the active entry into a Provider. A config with no
// active id or with an id absent from the list is an error, never a silent
// fallback.
func (c *ProviderConfig) Provider() (Provider, error) {
	if c.ActiveProviderID == "" {
		return Provider{}, &Error{Code: ErrNoActiveProvider, Message: "no active provider selected"}
	}
	for _, d := range c.Providers {
		if d.ID == c.ActiveProviderID {
			return d.Provider()
		}
	}
	return Provider{}, &Error{
		Code:    ErrUnknownProvider,
		Message: fmt.Sprintf("provider id %q not found in catalog", c.ActiveProviderID),
	}
}

// DefaultProviders is the compiled-in catalog. APIKey fields name the
// environment variable holding the credential; ResolveCatalog substitutes
// the value and drops entries whose variable is unset.
func DefaultProviders() []ProviderDetails {
	return []ProviderDetails{
		NewProviderDetails("openai", "OpenAI", "OpenAI API provider",
			"OPENAI_API_KEY", "openai", "https://api.openai.com/v1"),
		NewProviderDetails("anthropic", "Anthropic", "Anthropic API provider",
			"ANTHROPIC_API_KEY", "anthropic", "https://api.anthropic.com/v1"),
		NewProviderDetails("crucible", "Crucible", "Crucible API provider",
			"CRUCIBLE_API_KEY", "openai", "https://api.crucible.dev/v1"),
		NewProviderDetails("openrouter", "OpenRouter", "OpenRouter API provider",
			"OPENROUTER_API_KEY", "openai", "https://openrouter.ai/api/v1"),
		NewProviderDetails("requesty", "Requesty", "Requesty API provider",
			"REQUESTY_API_KEY", "openai", "https://requesty.ai/api/v1"),
	}
}
