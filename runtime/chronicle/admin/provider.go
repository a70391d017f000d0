package admin

import (
	"context"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// CustomProviderStore is the narrow persistence contract
// CustomProviderService needs, satisfied by *store.Store.
type CustomProviderStore interface {
	ListCustomProviders(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.CustomProvider, error)
	GetCustomProvider(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.CustomProvider, bool, error)
	PutCustomProvider(ctx context.Context, p canon.CustomProvider) error
	DeleteCustomProvider(ctx context.Context, org, id string) error
}

// CustomProviderService is the permission-gated CRUD surface for custom
// providers (spec §4.6 resource "custom_provider"). Token and APIKey are
// owner-only fields: a read-or-write caller gets them redacted, matching
// spec §4.7's "a sensitive field is owner-gated independent of row
// permission" rule.
type CustomProviderService struct {
	store  CustomProviderStore
	grants GrantResolver
}

func NewCustomProviderService(store CustomProviderStore, grants GrantResolver) *CustomProviderService {
	return &CustomProviderService{store: store, grants: grants}
}

const resourceCustomProvider = "custom_provider"

func (s *CustomProviderService) List(ctx context.Context, actor Actor) ([]canon.CustomProvider, error) {
	providers, err := s.store.ListCustomProviders(ctx, actor.OrgID, actor.ActorIDs(), canon.PermissionRead)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		s.redact(ctx, actor, &providers[i])
	}
	return providers, nil
}

func (s *CustomProviderService) Get(ctx context.Context, actor Actor, id string) (canon.CustomProvider, error) {
	perm, err := Require(ctx, s.grants, actor, resourceCustomProvider, id, canon.PermissionRead)
	if err != nil {
		return canon.CustomProvider{}, err
	}
	p, ok, err := s.store.GetCustomProvider(ctx, actor.OrgID, id, actor.ActorIDs(), canon.PermissionRead)
	if err != nil {
		return canon.CustomProvider{}, err
	}
	if !ok {
		return canon.CustomProvider{}, notFound(resourceCustomProvider, id)
	}
	if !perm.Satisfies(canon.PermissionOwner) {
		redactSecrets(&p)
	}
	return p, nil
}

// redact clears owner-only fields unless actor holds at least owner on id.
func (s *CustomProviderService) redact(ctx context.Context, actor Actor, p *canon.CustomProvider) {
	perm, err := s.grants.Resolve(ctx, actor.OrgID, actor.ActorIDs(), resourceCustomProvider, p.ID)
	if err != nil || !perm.Satisfies(canon.PermissionOwner) {
		redactSecrets(p)
	}
}

func redactSecrets(p *canon.CustomProvider) {
	p.Token = ""
	p.APIKey = ""
}

func (s *CustomProviderService) Create(ctx context.Context, actor Actor, p canon.CustomProvider) (canon.CustomProvider, error) {
	p.Org = actor.OrgID
	if p.ID == "" {
		p.ID = canon.NewEventID()
	}
	if err := s.store.PutCustomProvider(ctx, p); err != nil {
		return canon.CustomProvider{}, err
	}
	return p, nil
}

func (s *CustomProviderService) Update(ctx context.Context, actor Actor, p canon.CustomProvider) (canon.CustomProvider, error) {
	if _, err := Require(ctx, s.grants, actor, resourceCustomProvider, p.ID, canon.PermissionWrite); err != nil {
		return canon.CustomProvider{}, err
	}
	p.Org = actor.OrgID
	if err := s.store.PutCustomProvider(ctx, p); err != nil {
		return canon.CustomProvider{}, err
	}
	return p, nil
}

func (s *CustomProviderService) Delete(ctx context.Context, actor Actor, id string) error {
	if _, err := Require(ctx, s.grants, actor, resourceCustomProvider, id, canon.PermissionOwner); err != nil {
		return err
	}
	return s.store.DeleteCustomProvider(ctx, actor.OrgID, id)
}
