// Package admin is the thin multi-tenant CRUD contract layer over aliases,
// custom providers, and API keys (spec §4.6/§4.7): list/get/create/update/
// delete scoped by (organization, actor, permission), with owner-only field
// gating. Authentication itself — resolving a session or API-key hash into
// an Actor's id and role ids — is an external collaborator's responsibility
// per spec §4.7; this package starts from an already-resolved Actor.
package admin

import (
	"context"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
)

// Actor is the identity behind an admin API request, resolved upstream from
// a session cookie or `Authorization: Bearer <key_id>.<secret>` header.
type Actor struct {
	OrgID   string
	UserID  string
	RoleIDs []string
}

// ActorIDs is the id set a permission grant may be scoped to: the user
// itself, plus every role it holds.
func (a Actor) ActorIDs() []string {
	return append([]string{a.UserID}, a.RoleIDs...)
}

// GrantResolver computes the permission an actor holds over a specific
// entity, joining (organization_id, actor_id, permission) the way every
// admin entity's scoped read does per spec §4.6. A nil/zero-value Permission
// result means "no grant found"; Require reports it as forbidden (403),
// never as an empty-but-authorized read. The services' List methods do not
// consult a GrantResolver: they return the rows the store's
// permission-scoped query yields, which is an empty list, not a 403, for an
// actor with no grants.
type GrantResolver interface {
	Resolve(ctx context.Context, orgID string, actorIDs []string, resource, resourceID string) (canon.Permission, error)
}

// Require resolves the actor's permission over resource/resourceID and
// returns chronerr.Forbidden unless it satisfies at least minPermission.
// actor.OrgID permission org_admin always satisfies, bypassing per-row scoping.
func Require(ctx context.Context, grants GrantResolver, actor Actor, resource, resourceID string, min canon.Permission) (canon.Permission, error) {
	perm, err := grants.Resolve(ctx, actor.OrgID, actor.ActorIDs(), resource, resourceID)
	if err != nil {
		return "", err
	}
	if perm == "" || !perm.Satisfies(min) {
		return "", chronerr.New(chronerr.KindForbidden, resource+": insufficient permission")
	}
	return perm, nil
}
