package access

import (
	"context"
	"errors"
)

// OrgScope is the result of resolving which organizations a principal may
// act within. All=true is the ":ALL" sentinel for root and HQ principals.
type OrgScope struct {
	All    bool    `json:"all"`
	OrgIDs []int64 `json:"org_ids,omitempty"`
}

// Contains reports whether the scope covers the organization.
func (s OrgScope) Contains(orgID int64) bool {
	if s.All {
		return true
	}
	for _, id := range s.OrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// Scoper resolves organization scope from active post assignments.
type Scoper struct {
	store Store
}

// NewScoper constructs a Scoper.
func NewScoper(store Store) (*Scoper, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	return &Scoper{store: store}, nil
}

// AccessibleOrgs returns the organizations the principal may act within.
// Roots and principals holding a post in a core (HQ) organization get the
// unrestricted scope. Everyone else gets the organizations of their active
// posts, expanded with descendants for any core org in that set.
func (s *Scoper) AccessibleOrgs(ctx context.Context, principal Principal) (OrgScope, error) {
	if principal.IsSystemRoot {
		return OrgScope{All: true}, nil
	}
	posts, err := s.store.ActivePosts(ctx, principal.ID)
	if err != nil {
		return OrgScope{}, err
	}
	for _, p := range posts {
		if p.OrgIsCore {
			return OrgScope{All: true}, nil
		}
	}

	seen := map[int64]struct{}{}
	var orgs []int64
	add := func(id int64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			orgs = append(orgs, id)
		}
	}
	for _, p := range posts {
		add(p.OrganizationID)
		if p.OrgIsCore {
			subs, err := s.store.OrgDescendants(ctx, p.OrganizationID)
			if err != nil {
				return OrgScope{}, err
			}
			for _, sub := range subs {
				add(sub)
			}
		}
	}
	return OrgScope{OrgIDs: orgs}, nil
}

// MaxPostLevel returns the largest post level across the principal's
// active assignments, or 1 when there are none. Smaller level means higher
// authority; the maximum is therefore the least authoritative post, which
// is what rule min_level comparisons are made against.
func (s *Scoper) MaxPostLevel(ctx context.Context, principalID int64) (int, error) {
	posts, err := s.store.ActivePosts(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return maxLevel(posts), nil
}

func maxLevel(posts []ActivePost) int {
	level := 0
	for _, p := range posts {
		if p.Level > level {
			level = p.Level
		}
	}
	if level == 0 {
		return 1
	}
	return level
}
