package llm

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// brandToken marks entries belonging to Crucible's own backend. The login
// fallback is only synthesized when no resolved entry carries it.
const brandToken = "crucible"

// EnvLookup resolves an environment variable, mirroring os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// LoginCredential is an API key obtained through the login flow, used as a
// fallback when no branded entry survives credential resolution.
type LoginCredential struct {
	APIKey string
}

// MergeProviders merges override entries into the default list. An override
// with a matching id replaces the default in place, preserving the default
// ordering; unmatched overrides are appended in their own order.
func MergeProviders(defaults, overrides []ProviderDetails) []ProviderDetails {
	merged := make([]ProviderDetails, len(defaults))
	copy(merged, defaults)
	for _, o := range overrides {
		o = o.Normalized()
		replaced := false
		for i := range merged {
			if merged[i].ID == o.ID {
				merged[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}

// ResolveEnvProviders substitutes each entry's api_key field (which names an
// environment variable) with the variable's value. Entries whose variable is
// unset are dropped: without a credential they are unusable, and an empty
// key would only fail later with a worse error.
func ResolveEnvProviders(entries []ProviderDetails, lookup EnvLookup, logger *zap.Logger) []ProviderDetails {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved := make([]ProviderDetails, 0, len(entries))
	for _, entry := range entries {
		key, ok := lookup(entry.APIKey)
		if !ok || key == "" {
			logger.Debug("dropping provider without credential",
				zap.String("provider", entry.ID),
				zap.String("env_var", entry.APIKey),
			)
			continue
		}
		entry.APIKey = key
		resolved = append(resolved, entry)
	}
	return resolved
}

// ResolveCatalog builds the usable provider catalog for this session:
// defaults merged with overrides, credentials resolved from the environment,
// and a login-derived Crucible entry appended when no branded entry survived.
// The first entry becomes active; an empty catalog yields a config whose
// Provider call fails with ErrNoActiveProvider.
func ResolveCatalog(defaults, overrides []ProviderDetails, lookup EnvLookup, login *LoginCredential, logger *zap.Logger) ProviderConfig {
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := ResolveEnvProviders(MergeProviders(defaults, overrides), lookup, logger)

	hasBranded := false
	for _, p := range providers {
		if strings.Contains(strings.ToLower(p.ID), brandToken) {
			hasBranded = true
			break
		}
	}
	if !hasBranded && login != nil && login.APIKey != "" {
		providers = append(providers, NewProviderDetails(
			brandToken, "Crucible", "Crucible AI provider",
			login.APIKey, "openai", "https://api.crucible.dev/v1",
		))
		logger.Debug("appended login-derived provider", zap.String("provider", brandToken))
	}

	cfg := ProviderConfig{Providers: providers}
	if len(providers) > 0 {
		cfg.ActiveProviderID = providers[0].ID
	}
	logger.Info("resolved provider catalog",
		zap.Int("providers", len(providers)),
		zap.String("active", cfg.ActiveProviderID),
	)
	return cfg
}
