package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// AliasByName implements alias.Store: looks up an org's alias row by name,
// with its ordered AliasModel list.
func (s *Store) AliasByName(ctx context.Context, org, name string) (canon.Alias, bool, error) {
	query := fmt.Sprintf(
		`SELECT id, random_order FROM chronicle_aliases WHERE org = %s AND name = %s`, s.ph(1), s.ph(2))
	var al canon.Alias
	al.Org, al.Name = org, name
	err := s.db.QueryRowContext(ctx, query, org, name).Scan(&al.ID, &al.RandomOrder)
	if err == sql.ErrNoRows {
		return canon.Alias{}, false, nil
	}
	if err != nil {
		return canon.Alias{}, false, err
	}

	modelsQuery := fmt.Sprintf(
		`SELECT sort, provider, model, api_key_name FROM chronicle_alias_providers WHERE alias_id = %s ORDER BY sort ASC`, s.ph(1))
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

// CustomProviderByName implements dispatcher.CustomProviderStore: an
// unscoped-by-permission lookup for the request path, which reads the
// cached/admin-declared provider snapshot directly rather than re-deriving
// actor grants on every chat call (those only gate the admin CRUD surface).
func (s *Store) CustomProviderByName(ctx context.Context, org, name string) (canon.CustomProvider, bool, error) {
	query := fmt.Sprintf(
		`SELECT id, label, url, token, api_key, api_key_source, format, headers, prefix
		 FROM chronicle_custom_providers WHERE org = %s AND name = %s`, s.ph(1), s.ph(2))
	var p canon.CustomProvider
	p.Org, p.Name = org, name
	var label, token, apiKey, apiKeySource, headers, prefix sql.NullString
	err := s.db.QueryRowContext(ctx, query, org, name).Scan(
		&p.ID, &label, &p.URL, &token, &apiKey, &apiKeySource, &p.Format, &headers, &prefix)
	if err == sql.ErrNoRows {
		return canon.CustomProvider{}, false, nil
	}
	if err != nil {
		return canon.CustomProvider{}, false, err
	}
	p.Label, p.Token, p.APIKey, p.APIKeySource, p.Prefix = label.String, token.String, apiKey.String, canon.KeySource(apiKeySource.String), prefix.String
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &p.Headers)
	}
	return p, true, nil
}

// LookupAPIKey implements keyvault.DBLookup.
func (s *Store) LookupAPIKey(ctx context.Context, org, name string) (canon.ProviderApiKey, error) {
	return s.APIKeyByName(ctx, org, name)
}

// APIKeyByName implements dispatcher.KeyStore.
func (s *Store) APIKeyByName(ctx context.Context, org, name string) (canon.ProviderApiKey, error) {
	query := fmt.Sprintf(
		`SELECT id, source, value FROM chronicle_api_keys WHERE org = %s AND name = %s`, s.ph(1), s.ph(2))
	var key canon.ProviderApiKey
	key.Org, key.Name = org, name
	err := s.db.QueryRowContext(ctx, query, org, name).Scan(&key.ID, &key.Source, &key.Value)
	if err != nil {
		return canon.ProviderApiKey{}, err
	}
	return key, nil
}

// Permission is the resolved access level a scoped query yields, computed
// by joining the entity's org/actor grants. It mirrors spec §4.6's "every
// SELECT filters by org and an actor-id-array, yielding a _permission" rule.
type Permission = canon.Permission

// permissionRank is a portable stand-in for a SQL-side enum ordering: every
// ScopedQuery caller compares ranks with a literal CASE expression rather
// than a stored function, so the same query text runs unmodified against
// either dialect.
func permissionRank(column string) string {
	return fmt.Sprintf(`CASE %s WHEN 'owner' THEN 3 WHEN 'write' THEN 2 WHEN 'read' THEN 1 ELSE 0 END`, column)
}

// ScopedQuery appends the resource + org + actor-id-list + permission-
// threshold filter every admin read shares against chronicle_permission_
// grants, per spec §4.6: "every SELECT filters by org and an actor-id-array,
// yielding a _permission; nulls are dropped". baseSelect must select FROM
// chronicle_permission_grants (bare, unaliased, so its org/actor_id/
// permission columns stay unqualified); callers append the returned args
// after their own.
func (s *Store) ScopedQuery(baseSelect, resource string, argOffset int, org string, actorIDs []string, minPermission Permission) (string, []any) {
	args := make([]any, 0, len(actorIDs)+3)
	args = append(args, resource, org)
	placeholders := make([]string, len(actorIDs))
	for i, id := range actorIDs {
		placeholders[i] = s.ph(argOffset + 3 + i)
		args = append(args, id)
	}
	args = append(args, string(minPermission))
	query := fmt.Sprintf(
		`%s WHERE resource = %s AND org = %s AND actor_id IN (%s) AND permission IS NOT NULL AND %s >= %s`,
		baseSelect, s.ph(argOffset+1), s.ph(argOffset+2), strings.Join(placeholders, ", "),
		permissionRank("permission"), permissionRank(s.ph(argOffset+3+len(actorIDs))))
	return query, args
}
