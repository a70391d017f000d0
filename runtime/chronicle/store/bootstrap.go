package store

import (
	"context"
	"encoding/json"
	"fmt"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Bootstrap idempotently writes a seed document's aliases, custom providers,
// and API keys, used by `chronicle db bootstrap` to pre-populate a fresh
// deployment. Existing rows with the same (org, name) are left untouched;
// bootstrap never overwrites admin-managed state.
func (s *Store) Bootstrap(ctx context.Context, org string, aliases []canon.Alias, providers []canon.CustomProvider, keys []canon.ProviderApiKey) error {
	for _, a := range aliases {
		if err := s.bootstrapAlias(ctx, org, a); err != nil {
			return fmt.Errorf("bootstrap alias %q: %w", a.Name, err)
		}
	}
	for _, p := range providers {
		if err := s.bootstrapCustomProvider(ctx, org, p); err != nil {
			return fmt.Errorf("bootstrap custom provider %q: %w", p.Name, err)
		}
	}
	for _, k := range keys {
		if err := s.bootstrapAPIKey(ctx, org, k); err != nil {
			return fmt.Errorf("bootstrap api key %q: %w", k.Name, err)
		}
	}
	return nil
}

func (s *Store) bootstrapAlias(ctx context.Context, org string, a canon.Alias) error {
	id := a.ID
	if id == "" {
		id = canon.NewEventID()
	}
	query := fmt.Sprintf(
		`INSERT INTO chronicle_aliases (id, org, name, random_order) VALUES (%s, %s, %s, %s)
		 ON CONFLICT (org, name) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, query, id, org, a.Name, a.RandomOrder)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	for _, m := range a.Models {
		modelQuery := fmt.Sprintf(
			`INSERT INTO chronicle_alias_providers (id, alias_id, sort, provider, model, api_key_name) VALUES (%s, %s, %s, %s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		if _, err := s.db.ExecContext(ctx, modelQuery, canon.NewEventID(), id, m.Sort, m.Provider, m.Model, nullableString(m.APIKeyName)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) bootstrapCustomProvider(ctx context.Context, org string, p canon.CustomProvider) error {
	headers, _ := json.Marshal(p.Headers)
	query := fmt.Sprintf(
		`INSERT INTO chronicle_custom_providers (id, org, name, label, url, token, api_key, api_key_source, format, headers, prefix)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (org, name) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	id := p.ID
	if id == "" {
		id = canon.NewEventID()
	}
	_, err := s.db.ExecContext(ctx, query, id, org, p.Name, nullableString(p.Label), p.URL,
		nullableString(p.Token), nullableString(p.APIKey), nullableString(string(p.APIKeySource)),
		string(p.Format), string(headers), nullableString(p.Prefix))
	return err
}

func (s *Store) bootstrapAPIKey(ctx context.Context, org string, k canon.ProviderApiKey) error {
	id := k.ID
	if id == "" {
		id = canon.NewEventID()
	}
	query := fmt.Sprintf(
		`INSERT INTO chronicle_api_keys (id, org, name, source, value) VALUES (%s, %s, %s, %s, %s)
		 ON CONFLICT (org, name) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, query, id, org, k.Name, string(k.Source), k.Value)
	return err
}
