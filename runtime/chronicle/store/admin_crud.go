package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Resolve implements admin.GrantResolver: the highest-ranked grant any of
// actorIDs holds over (resource, resourceID) within org, or "" if none
// (admin.Require then reports forbidden, never a silent
// empty-but-authorized read).
func (s *Store) Resolve(ctx context.Context, org string, actorIDs []string, resource, resourceID string) (canon.Permission, error) {
	if len(actorIDs) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(actorIDs))
	args := make([]any, 0, len(actorIDs)+3)
	args = append(args, resource, resourceID, org)
	for i, id := range actorIDs {
		placeholders[i] = s.ph(4 + i)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT permission FROM chronicle_permission_grants
		 WHERE resource = %s AND resource_id = %s AND org = %s AND actor_id IN (%s)`,
		s.ph(1), s.ph(2), s.ph(3), strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	best := canon.Permission("")
	for rows.Next() {
		var perm canon.Permission
		if err := rows.Scan(&perm); err != nil {
			return "", err
		}
		if perm == canon.PermissionOrgAdmin {
			return canon.PermissionOrgAdmin, nil
		}
		if best == "" || perm.Satisfies(best) {
			best = perm
		}
	}
	return best, rows.Err()
}

// GrantAccess upserts actorID's permission over (resource, resourceID)
// within org.
func (s *Store) GrantAccess(ctx context.Context, org, actorID, resource, resourceID string, perm canon.Permission) error {
	query := fmt.Sprintf(
		`INSERT INTO chronicle_permission_grants (org, actor_id, resource, resource_id, permission)
		 VALUES (%s, %s, %s, %s, %s)
		 ON CONFLICT (org, actor_id, resource, resource_id) DO UPDATE SET permission = excluded.permission`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, query, org, actorID, resource, resourceID, string(perm))
	return err
}

// RevokeAccess deletes actorID's grant over (resource, resourceID).
func (s *Store) RevokeAccess(ctx context.Context, org, actorID, resource, resourceID string) error {
	query := fmt.Sprintf(
		`DELETE FROM chronicle_permission_grants WHERE org = %s AND actor_id = %s AND resource = %s AND resource_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, query, org, actorID, resource, resourceID)
	return err
}

func scopedIDs(ctx context.Context, s *Store, resource, org string, actorIDs []string, min canon.Permission) ([]string, error) {
	query, args := s.ScopedQuery(`SELECT resource_id FROM chronicle_permission_grants`, resource, 0, org, actorIDs, min)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]bool)
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// ListAliases implements admin.AliasStore.
func (s *Store) ListAliases(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.Alias, error) {
	ids, err := scopedIDs(ctx, s, "alias", org, actorIDs, min)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	out := make([]canon.Alias, 0, len(ids))
	for _, id := range ids {
		al, ok, err := s.aliasByID(ctx, org, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, al)
		}
	}
	return out, nil
}

// GetAlias implements admin.AliasStore.
func (s *Store) GetAlias(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.Alias, bool, error) {
	return s.aliasByID(ctx, org, id)
}

func (s *Store) aliasByID(ctx context.Context, org, id string) (canon.Alias, bool, error) {
	query := fmt.Sprintf(`SELECT name, random_order FROM chronicle_aliases WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	var al canon.Alias
	al.ID, al.Org = id, org
	err := s.db.QueryRowContext(ctx, query, org, id).Scan(&al.Name, &al.RandomOrder)
	if err == sql.ErrNoRows {
		return canon.Alias{}, false, nil
	}
	if err != nil {
		return canon.Alias{}, false, err
	}
	modelsQuery := fmt.Sprintf(`SELECT sort, provider, model, api_key_name FROM chronicle_alias_providers WHERE alias_id = %s ORDER BY sort ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, modelsQuery, al.ID)
	if err != nil {
		return canon.Alias{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var m canon.AliasModel
		var keyName sql.NullString
		if err := rows.Scan(&m.Sort, &m.Provider, &m.Model, &keyName); err != nil {
			return canon.Alias{}, false, err
		}
		m.APIKeyName = keyName.String
		al.Models = append(al.Models, m)
	}
	return al, true, rows.Err()
}

// PutAlias implements admin.AliasStore: replaces the alias row and its
// ordered model list within a transaction.
func (s *Store) PutAlias(ctx context.Context, al canon.Alias) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(
		`INSERT INTO chronicle_aliases (id, org, name, random_order) VALUES (%s, %s, %s, %s)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, random_order = excluded.random_order`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.ExecContext(ctx, upsert, al.ID, al.Org, al.Name, al.RandomOrder); err != nil {
		return err
	}
	del := fmt.Sprintf(`DELETE FROM chronicle_alias_providers WHERE alias_id = %s`, s.ph(1))
	if _, err := tx.ExecContext(ctx, del, al.ID); err != nil {
		return err
	}
	for _, m := range al.Models {
		ins := fmt.Sprintf(
			`INSERT INTO chronicle_alias_providers (id, alias_id, sort, provider, model, api_key_name) VALUES (%s, %s, %s, %s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		if _, err := tx.ExecContext(ctx, ins, canon.NewEventID(), al.ID, m.Sort, m.Provider, m.Model, nullableString(m.APIKeyName)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteAlias implements admin.AliasStore.
func (s *Store) DeleteAlias(ctx context.Context, org, id string) error {
	query := fmt.Sprintf(`DELETE FROM chronicle_aliases WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, org, id)
	return err
}

// ListCustomProviders implements admin.CustomProviderStore.
func (s *Store) ListCustomProviders(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.CustomProvider, error) {
	ids, err := scopedIDs(ctx, s, "custom_provider", org, actorIDs, min)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	out := make([]canon.CustomProvider, 0, len(ids))
	for _, id := range ids {
		p, ok, err := s.customProviderByID(ctx, org, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetCustomProvider implements admin.CustomProviderStore.
func (s *Store) GetCustomProvider(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.CustomProvider, bool, error) {
	return s.customProviderByID(ctx, org, id)
}

func (s *Store) customProviderByID(ctx context.Context, org, id string) (canon.CustomProvider, bool, error) {
	query := fmt.Sprintf(
		`SELECT name, label, url, token, api_key, api_key_source, format, headers, prefix
		 FROM chronicle_custom_providers WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	var p canon.CustomProvider
	var label, token, apiKey, headers, prefix sql.NullString
	var keySource sql.NullString
	p.ID, p.Org = id, org
	err := s.db.QueryRowContext(ctx, query, org, id).Scan(&p.Name, &label, &p.URL, &token, &apiKey, &keySource, &p.Format, &headers, &prefix)
	if err == sql.ErrNoRows {
		return canon.CustomProvider{}, false, nil
	}
	if err != nil {
		return canon.CustomProvider{}, false, err
	}
	p.Label, p.Token, p.APIKey, p.Prefix = label.String, token.String, apiKey.String, prefix.String
	p.APIKeySource = canon.KeySource(keySource.String)
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &p.Headers)
	}
	return p, true, nil
}

// PutCustomProvider implements admin.CustomProviderStore.
func (s *Store) PutCustomProvider(ctx context.Context, p canon.CustomProvider) error {
	headers, _ := json.Marshal(p.Headers)
	query := fmt.Sprintf(
		`INSERT INTO chronicle_custom_providers (id, org, name, label, url, token, api_key, api_key_source, format, headers, prefix)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, label = excluded.label, url = excluded.url, token = excluded.token,
		   api_key = excluded.api_key, api_key_source = excluded.api_key_source, format = excluded.format,
		   headers = excluded.headers, prefix = excluded.prefix`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Org, p.Name, nullableString(p.Label), p.URL, nullableString(p.Token), nullableString(p.APIKey),
		nullableString(string(p.APIKeySource)), string(p.Format), nullableJSON(headers), nullableString(p.Prefix))
	return err
}

// DeleteCustomProvider implements admin.CustomProviderStore.
func (s *Store) DeleteCustomProvider(ctx context.Context, org, id string) error {
	query := fmt.Sprintf(`DELETE FROM chronicle_custom_providers WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, org, id)
	return err
}

// ListAPIKeys implements admin.APIKeyStore.
func (s *Store) ListAPIKeys(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.ProviderApiKey, error) {
	ids, err := scopedIDs(ctx, s, "api_key", org, actorIDs, min)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	out := make([]canon.ProviderApiKey, 0, len(ids))
	for _, id := range ids {
		key, ok, err := s.apiKeyByID(ctx, org, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// GetAPIKey implements admin.APIKeyStore.
func (s *Store) GetAPIKey(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.ProviderApiKey, bool, error) {
	return s.apiKeyByID(ctx, org, id)
}

func (s *Store) apiKeyByID(ctx context.Context, org, id string) (canon.ProviderApiKey, bool, error) {
	query := fmt.Sprintf(`SELECT name, source, value FROM chronicle_api_keys WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	var key canon.ProviderApiKey
	key.ID, key.Org = id, org
	err := s.db.QueryRowContext(ctx, query, org, id).Scan(&key.Name, &key.Source, &key.Value)
	if err == sql.ErrNoRows {
		return canon.ProviderApiKey{}, false, nil
	}
	if err != nil {
		return canon.ProviderApiKey{}, false, err
	}
	return key, true, nil
}

// PutAPIKey implements admin.APIKeyStore.
func (s *Store) PutAPIKey(ctx context.Context, key canon.ProviderApiKey) error {
	query := fmt.Sprintf(
		`INSERT INTO chronicle_api_keys (id, org, name, source, value) VALUES (%s, %s, %s, %s, %s)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, source = excluded.source, value = excluded.value`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, query, key.ID, key.Org, key.Name, string(key.Source), key.Value)
	return err
}

// DeleteAPIKey implements admin.APIKeyStore.
func (s *Store) DeleteAPIKey(ctx context.Context, org, id string) error {
	query := fmt.Sprintf(`DELETE FROM chronicle_api_keys WHERE org = %s AND id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, org, id)
	return err
}
