// Package keyvault resolves named API-key references — configured as raw
// values, environment variable names, or rows written through the admin
// API — into the secret a provider codec needs to authenticate upstream.
package keyvault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Secret is a resolved API key value. It is never logged.
type Secret string

// DBLookup resolves a ProviderApiKey row by org+name. Implemented by the
// store package; keyvault depends only on this narrow interface to avoid
// importing store directly, mirroring the teacher's habit of taking a small
// client interface at the package boundary (features/model/openai.ChatClient).
type DBLookup interface {
	LookupAPIKey(ctx context.Context, org, name string) (canon.ProviderApiKey, error)
}

// Vault resolves key references with an optional read-through cache for
// DB-sourced keys, invalidated the same way the alias cache is.
type Vault struct {
	db DBLookup

	mu    sync.RWMutex
	cache map[string]Secret
}

// New builds a Vault. db may be nil if the deployment has no admin-managed keys.
func New(db DBLookup) *Vault {
	return &Vault{db: db, cache: make(map[string]Secret)}
}

// Resolve returns the secret value for a key reference scoped to org, by its
// Source: a raw key yields its Value, an env key the environment variable
// named by Value, and any other source is an error. It does not read the DB;
// ResolveByName does.
func (v *Vault) Resolve(ctx context.Context, org string, key canon.ProviderApiKey) (Secret, error) {
	switch key.Source {
	case canon.KeySourceRaw:
		return Secret(key.Value), nil
	case canon.KeySourceEnv:
		val, ok := os.LookupEnv(key.Value)
		if !ok {
			return "", fmt.Errorf("keyvault: environment variable %q is not set", key.Value)
		}
		return Secret(val), nil
	default:
		return "", fmt.Errorf("keyvault: unknown key source %q", key.Source)
	}
}

// ResolveByName looks up a named key reference for org, checking the
// read-through cache before falling back to the DB.
func (v *Vault) ResolveByName(ctx context.Context, org, name string) (Secret, error) {
	cacheKey := org + "/" + name
	v.mu.RLock()
	if s, ok := v.cache[cacheKey]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	if v.db == nil {
		return "", fmt.Errorf("keyvault: no key named %q configured for org %q", name, org)
	}
	row, err := v.db.LookupAPIKey(ctx, org, name)
	if err != nil {
		return "", fmt.Errorf("keyvault: lookup %q: %w", name, err)
	}
	secret, err := v.Resolve(ctx, org, row)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	v.cache[cacheKey] = secret
	v.mu.Unlock()
	return secret, nil
}

// Invalidate drops a cached key, called by the admin API after a key is
// rotated or deleted.
func (v *Vault) Invalidate(org, name string) {
	v.mu.Lock()
	delete(v.cache, org+"/"+name)
	v.mu.Unlock()
}

// ResolveEnv resolves one of the provider-default environment variables named
// in the external interface contract (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func ResolveEnv(envVar string) (Secret, bool) {
	val, ok := os.LookupEnv(envVar)
	return Secret(val), ok
}
