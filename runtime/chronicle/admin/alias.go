package admin

import (
	"context"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// AliasStore is the narrow persistence contract AliasService needs,
// satisfied by *store.Store.
type AliasStore interface {
	ListAliases(ctx context.Context, org string, actorIDs []string, min canon.Permission) ([]canon.Alias, error)
	GetAlias(ctx context.Context, org, id string, actorIDs []string, min canon.Permission) (canon.Alias, bool, error)
	PutAlias(ctx context.Context, al canon.Alias) error
	DeleteAlias(ctx context.Context, org, id string) error
}

// AliasService is the permission-gated CRUD surface for aliases (spec §4.6
// resource "alias"): Get requires read permission, Update write permission
// and Delete owner permission on the alias. List returns the aliases the
// store's scoped query yields at read permission; Create is not
// permission-checked.
type AliasService struct {
	store  AliasStore
	grants GrantResolver
}

func NewAliasService(store AliasStore, grants GrantResolver) *AliasService {
	return &AliasService{store: store, grants: grants}
}

const resourceAlias = "alias"

func (s *AliasService) List(ctx context.Context, actor Actor) ([]canon.Alias, error) {
	return s.store.ListAliases(ctx, actor.OrgID, actor.ActorIDs(), canon.PermissionRead)
}

func (s *AliasService) Get(ctx context.Context, actor Actor, id string) (canon.Alias, error) {
	if _, err := Require(ctx, s.grants, actor, resourceAlias, id, canon.PermissionRead); err != nil {
		return canon.Alias{}, err
	}
	al, ok, err := s.store.GetAlias(ctx, actor.OrgID, id, actor.ActorIDs(), canon.PermissionRead)
	if err != nil {
		return canon.Alias{}, err
	}
	if !ok {
		return canon.Alias{}, notFound(resourceAlias, id)
	}
	return al, nil
}

func (s *AliasService) Create(ctx context.Context, actor Actor, al canon.Alias) (canon.Alias, error) {
	al.Org = actor.OrgID
	if al.ID == "" {
		al.ID = canon.NewEventID()
	}
	if err := s.store.PutAlias(ctx, al); err != nil {
		return canon.Alias{}, err
	}
	return al, nil
}

func (s *AliasService) Update(ctx context.Context, actor Actor, al canon.Alias) (canon.Alias, error) {
	if _, err := Require(ctx, s.grants, actor, resourceAlias, al.ID, canon.PermissionWrite); err != nil {
		return canon.Alias{}, err
	}
	al.Org = actor.OrgID
	if err := s.store.PutAlias(ctx, al); err != nil {
		return canon.Alias{}, err
	}
	return al, nil
}

func (s *AliasService) Delete(ctx context.Context, actor Actor, id string) error {
	if _, err := Require(ctx, s.grants, actor, resourceAlias, id, canon.PermissionOwner); err != nil {
		return err
	}
	return s.store.DeleteAlias(ctx, actor.OrgID, id)
}
