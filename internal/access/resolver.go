package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resolver computes effective permission sets. Role parents are not walked:
// only roles directly on the principal and roles reachable through group
// membership contribute.
type Resolver struct {
	store     Store
	appLabels []string
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithAppLabels restricts the permission codes HasPerm accepts to the
// given "<app>." prefixes.
func WithAppLabels(labels []string) ResolverOption {
	return func(r *Resolver) { r.appLabels = labels }
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EffectivePerms returns the effective permission set of a principal:
// direct perms, perms on direct roles, and perms on roles of the
// principal's groups, all lowercased. An inactive principal has no
// permissions; a system root holds every declared code.
func (r *Resolver) EffectivePerms(ctx context.Context, principalID int64) (map[string]struct{}, error) {
	principal, err := r.store.FindPrincipal(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrPrincipalNotFound, principalID)
		}
		return nil, err
	}
	return r.effectivePerms(ctx, principal)
}

func (r *Resolver) effectivePerms(ctx context.Context, principal Principal) (map[string]struct{}, error) {
	if !principal.IsActive {
		return map[string]struct{}{}, nil
	}
	if principal.IsSystemRoot {
		codes, err := r.store.AllPermCodes(ctx)
		if err != nil {
			return nil, err
		}
		return lowerSet(codes), nil
	}

	roleIDs, err := r.store.PrincipalRoleIDs(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	groupIDs, err := r.store.PrincipalGroupIDs(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) > 0 {
		groupRoleIDs, err := r.store.GroupRoleIDs(ctx, groupIDs)
		if err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, groupRoleIDs...)
	}

	perms := map[string]struct{}{}
	if len(roleIDs) > 0 {
		codes, err := r.store.RolePerms(ctx, dedupeIDs(roleIDs))
		if err != nil {
			return nil, err
		}
		addLower(perms, codes)
	}
	direct, err := r.store.DirectPerms(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	addLower(perms, direct)
	return perms, nil
}

// HasPerm reports whether the principal's effective set contains the code.
// The code must carry a recognised "<app>." prefix when app labels are
// configured.
func (r *Resolver) HasPerm(ctx context.Context, principalID int64, code string) (bool, error) {
	code, err := NormalizePermCode(code, r.appLabels)
	if err != nil {
		return false, err
	}
	perms, err := r.EffectivePerms(ctx, principalID)
	if err != nil {
		return false, err
	}
	_, ok := perms[code]
	return ok, nil
}

// SortedPerms flattens a permission set for transport.
func SortedPerms(perms map[string]struct{}) []string {
	out := make([]string, 0, len(perms))
	for code := range perms {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// DetectRoleCycle validates that role parent chains stay acyclic.
func DetectRoleCycle(roles []Role) error {
	parents := make(map[int64]*int64, len(roles))
	for _, role := range roles {
		parents[role.ID] = role.ParentID
	}
	for _, role := range roles {
		seen := map[int64]struct{}{role.ID: {}}
		cur := role.ParentID
		for cur != nil {
			if _, ok := seen[*cur]; ok {
				return fmt.Errorf("%w: role %d", ErrRoleCycle, role.ID)
			}
			seen[*cur] = struct{}{}
			cur = parents[*cur]
		}
	}
	return nil
}

func lowerSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	addLower(set, codes)
	return set
}

func addLower(set map[string]struct{}, codes []string) {
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code != "" {
			set[code] = struct{}{}
		}
	}
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
