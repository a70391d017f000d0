package admin

import (
	"context"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// APIKeyStore is the narrow persistence contract APIKeyService needs,
// satisfied by *store.Store.
type APIKeyStore interface {
	ListAPIKeys(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.ProviderApiKey, error)
	GetAPIKey(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.ProviderApiKey, bool, error)
	PutAPIKey(ctx context.Context, key canon.ProviderApiKey) error
	DeleteAPIKey(ctx context.Context, org, id string) error
}

// APIKeyService is the permission-gated CRUD surface for named API key
// references (spec §4.6 resource "api_key"). Value is owner-only, same
// rule as CustomProviderService.Token.
type APIKeyService struct {
	store  APIKeyStore
	grants GrantResolver
}

func NewAPIKeyService(store APIKeyStore, grants GrantResolver) *APIKeyService {
	return &APIKeyService{store: store, grants: grants}
}

const resourceAPIKey = "api_key"

func (s *APIKeyService) List(ctx context.Context, actor Actor) ([]canon.ProviderApiKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, actor.OrgID, actor.ActorIDs(), canon.PermissionRead)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		perm, err := s.grants.Resolve(ctx, actor.OrgID, actor.ActorIDs(), resourceAPIKey, keys[i].ID)
		if err != nil || !perm.Satisfies(canon.PermissionOwner) {
			keys[i].Value = ""
		}
	}
	return keys, nil
}

func (s *APIKeyService) Get(ctx context.Context, actor Actor, id string) (canon.ProviderApiKey, error) {
	perm, err := Require(ctx, s.grants, actor, resourceAPIKey, id, canon.PermissionRead)
	if err != nil {
		return canon.ProviderApiKey{}, err
	}
	key, ok, err := s.store.GetAPIKey(ctx, actor.OrgID, id, actor.ActorIDs(), canon.PermissionRead)
	if err != nil {
		return canon.ProviderApiKey{}, err
	}
	if !ok {
		return canon.ProviderApiKey{}, notFound(resourceAPIKey, id)
	}
	if !perm.Satisfies(canon.PermissionOwner) {
		key.Value = ""
	}
	return key, nil
}

func (s *APIKeyService) Create(ctx context.Context, actor Actor, key canon.ProviderApiKey) (canon.ProviderApiKey, error) {
	key.Org = actor.OrgID
	if key.ID == "" {
		key.ID = canon.NewEventID()
	}
	if err := s.store.PutAPIKey(ctx, key); err != nil {
		return canon.ProviderApiKey{}, err
	}
	return key, nil
}

func (s *APIKeyService) Update(ctx context.Context, actor Actor, key canon.ProviderApiKey) (canon.ProviderApiKey, error) {
	if _, err := Require(ctx, s.grants, actor, resourceAPIKey, key.ID, canon.PermissionOwner); err != nil {
		return canon.ProviderApiKey{}, err
	}
	key.Org = actor.OrgID
	if err := s.store.PutAPIKey(ctx, key); err != nil {
		return canon.ProviderApiKey{}, err
	}
	return key, nil
}

func (s *APIKeyService) Delete(ctx context.Context, actor Actor, id string) error {
	if _, err := Require(ctx, s.grants, actor, resourceAPIKey, id, canon.PermissionOwner); err != nil {
		return err
	}
	return s.store.DeleteAPIKey(ctx, actor.OrgID, id)
}
