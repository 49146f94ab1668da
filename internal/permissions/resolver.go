package permissions

import (
	"context"
	"fmt"
)

// Resolver computes effective permissions from persisted roles and
// memberships. It holds no state of its own; every call reads the store.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// UserPermissions returns the effective permission set of userID in serverID.
//
// The owner holds the full catalog. Non-members hold nothing. A member with a
// role holds exactly that role's set (the full catalog if it includes
// ADMINISTRATOR); the role replaces @everyone rather than adding to it. A
// member without a role falls back to the server's @everyone role, or the
// static EVERYONE defaults when that row is missing.
func (r *Resolver) UserPermissions(ctx context.Context, userID, serverID string) (Set, error) {
	owner, found, err := r.store.ServerOwner(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("lookup server owner: %w", err)
	}
	if found && owner == userID {
		return FullSet(), nil
	}

	member, found, err := r.store.Membership(ctx, userID, serverID)
	if err != nil {
		return nil, fmt.Errorf("lookup membership: %w", err)
	}
	if !found {
		return NewSet(), nil
	}

	if member.RoleID != nil {
		perms, err := r.store.RolePermissions(ctx, *member.RoleID)
		if err != nil {
			return nil, fmt.Errorf("lookup role permissions: %w", err)
		}
		set := NewSet(perms...)
		if set.Contains(Administrator) {
			return FullSet(), nil
		}
		return set, nil
	}

	perms, found, err := r.store.EveryonePermissions(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("lookup @everyone permissions: %w", err)
	}
	if !found {
		return NewSet(Defaults[TierEveryone]...), nil
	}
	return NewSet(perms...), nil
}

// HasPermission reports whether userID holds p (or ADMINISTRATOR) in serverID.
func (r *Resolver) HasPermission(ctx context.Context, userID, serverID string, p Permission) (bool, error) {
	set, err := r.UserPermissions(ctx, userID, serverID)
	if err != nil {
		return false, err
	}
	return set.Allows(p), nil
}

// CanManageRole reports whether userID may edit or delete roleID in serverID.
// The role must belong to serverID. The owner may manage any of its roles;
// anyone else needs MANAGE_ROLES and an assigned role that strictly outranks
// the target.
func (r *Resolver) CanManageRole(ctx context.Context, userID, serverID, roleID string) (bool, error) {
	target, found, err := r.store.Role(ctx, roleID)
	if err != nil {
		return false, fmt.Errorf("lookup target role: %w", err)
	}
	if !found || target.ServerID != serverID {
		return false, nil
	}

	owner, found, err := r.store.ServerOwner(ctx, serverID)
	if err != nil {
		return false, fmt.Errorf("lookup server owner: %w", err)
	}
	if found && owner == userID {
		return true, nil
	}

	ok, err := r.HasPermission(ctx, userID, serverID, ManageRoles)
	if err != nil || !ok {
		return false, err
	}

	member, found, err := r.store.Membership(ctx, userID, serverID)
	if err != nil {
		return false, fmt.Errorf("lookup membership: %w", err)
	}
	if !found || member.RoleID == nil {
		return false, nil
	}
	own, found, err := r.store.Role(ctx, *member.RoleID)
	if err != nil {
		return false, fmt.Errorf("lookup own role: %w", err)
	}
	if !found {
		return false, nil
	}
	return own.Outranks(target), nil
}

// AssignPermissionsToRole replaces the role's permission set with perms.
// The batch is rejected as a whole when any entry is outside the catalog.
// It returns the stored set in catalog order.
func (r *Resolver) AssignPermissionsToRole(ctx context.Context, roleID string, perms []Permission) ([]Permission, error) {
	clean, err := validate(perms)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceRolePermissions(ctx, roleID, clean); err != nil {
		return nil, err
	}
	return clean, nil
}

// CreateRoleWithPermissions creates a role in serverID and grants perms to it
// atomically.
func (r *Resolver) CreateRoleWithPermissions(ctx context.Context, serverID, name string, perms []Permission, color *string) (*RoleRef, []Permission, error) {
	clean, err := validate(perms)
	if err != nil {
		return nil, nil, err
	}
	role, err := r.store.CreateRole(ctx, NewRole{
		ServerID:    serverID,
		Name:        name,
		Color:       color,
		Permissions: clean,
	})
	if err != nil {
		return nil, nil, err
	}
	return role, clean, nil
}

// RolePermissions returns the stored permission set of roleID in catalog order.
func (r *Resolver) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	return r.store.RolePermissions(ctx, roleID)
}

func validate(perms []Permission) ([]Permission, error) {
	var bad []string
	for _, p := range perms {
		if !Valid(p) {
			bad = append(bad, string(p))
		}
	}
	if len(bad) > 0 {
		return nil, &UnknownPermissionError{Values: bad}
	}
	clean := Dedupe(perms)
	Sort(clean)
	return clean, nil
}
