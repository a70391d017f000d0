package dispatcher

import (
	"context"
	"fmt"

	"chronicle.dev/chronicle/runtime/chronicle/alias"
	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/keyvault"
)

// KeyStore looks up a named API key row for an org, used to resolve an
// alias attempt's api_key_name to a secret via the key vault.
type KeyStore interface {
	APIKeyByName(ctx context.Context, org, name string) (canon.ProviderApiKey, error)
}

// CustomProviderStore looks up an org-scoped CustomProvider by its declared
// name, for attempts whose provider isn't one of the fixed codec
// registrations (spec §3's admin-declared endpoints).
type CustomProviderStore interface {
	CustomProviderByName(ctx context.Context, org, name string) (canon.CustomProvider, bool, error)
}

// EndpointResolver turns an alias attempt plus request-level overrides into
// a concrete codec.Endpoint: base URL, extra headers, and a resolved secret.
type EndpointResolver struct {
	vault *keyvault.Vault
	keys  KeyStore

	// envDefaults maps a provider name to the environment variable holding
	// its default API key, used when no api_key_name/explicit key is set.
	envDefaults map[string]string
}

// NewEndpointResolver constructs an EndpointResolver. keys may be nil if no
// admin-managed API key table is wired; env-var defaults still resolve.
func NewEndpointResolver(vault *keyvault.Vault, keys KeyStore) *EndpointResolver {
	return &EndpointResolver{
		vault: vault,
		keys:  keys,
		envDefaults: map[string]string{
			"openai":    "OPENAI_API_KEY",
			"anthropic": "ANTHROPIC_API_KEY",
			"bedrock":   "AWS_BEARER_TOKEN_BEDROCK",
			"ollama":    "OLLAMA_API_KEY",
		},
	}
}

// Resolve builds the codec.Endpoint for one attempt.
func (r *EndpointResolver) Resolve(ctx context.Context, org string, attempt alias.Attempt, opts canon.RequestOptions) (codec.Endpoint, error) {
	ep := codec.Endpoint{BaseURL: opts.OverrideURL}

	if opts.APIKey != "" {
		ep.Secret = keyvault.Secret(opts.APIKey)
		return ep, nil
	}

	if attempt.APIKeyName != "" {
		if r.keys == nil {
			return codec.Endpoint{}, fmt.Errorf("dispatcher: api_key_name %q set but no key store configured", attempt.APIKeyName)
		}
		key, err := r.keys.APIKeyByName(ctx, org, attempt.APIKeyName)
		if err != nil {
			return codec.Endpoint{}, err
		}
		secret, err := r.vault.Resolve(ctx, org, key)
		if err != nil {
			return codec.Endpoint{}, err
		}
		ep.Secret = secret
		return ep, nil
	}

	envVar, ok := r.envDefaults[attempt.Provider]
	if !ok {
		return ep, nil
	}
	if secret, ok := keyvault.ResolveEnv(envVar); ok {
		ep.Secret = secret
	}
	return ep, nil
}

// ResolveCustom builds the codec.Endpoint for an admin-declared CustomProvider
// attempt. The custom row's url and headers are authoritative; an explicit
// request-level override_url or api_key still wins over them. Absent an
// explicit override, api_key (a named reference into the key vault, like
// api_key_name) takes priority over token (an inline secret, raw or resolved
// from an env var per api_key_source).
func (r *EndpointResolver) ResolveCustom(ctx context.Context, org string, cp canon.CustomProvider, opts canon.RequestOptions) (codec.Endpoint, error) {
	ep := codec.Endpoint{BaseURL: cp.URL, Headers: cp.Headers}
	if opts.OverrideURL != "" {
		ep.BaseURL = opts.OverrideURL
	}
	if opts.APIKey != "" {
		ep.Secret = keyvault.Secret(opts.APIKey)
		return ep, nil
	}

	if cp.APIKey != "" {
		if r.keys == nil {
			return codec.Endpoint{}, fmt.Errorf("dispatcher: custom provider %q references api_key %q but no key store configured", cp.Name, cp.APIKey)
		}
		key, err := r.keys.APIKeyByName(ctx, org, cp.APIKey)
		if err != nil {
			return codec.Endpoint{}, err
		}
		secret, err := r.vault.Resolve(ctx, org, key)
		if err != nil {
			return codec.Endpoint{}, err
		}
		ep.Secret = secret
		return ep, nil
	}

	switch cp.APIKeySource {
	case canon.KeySourceEnv:
		if secret, ok := keyvault.ResolveEnv(cp.Token); ok {
			ep.Secret = secret
		}
	default:
		if cp.Token != "" {
			ep.Secret = keyvault.Secret(cp.Token)
		}
	}
	return ep, nil
}
