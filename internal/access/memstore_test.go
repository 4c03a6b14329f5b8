package access

import (
	"context"
	"fmt"
)

// fakeStore is an in-memory Store for evaluator and resolver tests.
type fakeStore struct {
	principals map[int64]Principal
	direct     map[int64][]string
	roleIDs    map[int64][]int64
	groupIDs   map[int64][]int64
	groupRoles map[int64][]int64
	rolePerms  map[int64][]string
	allCodes   []string
	posts      map[int64][]ActivePost
	subOrgs    map[int64][]int64
	rules      []AccessRule
	roles      []Role
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		principals: map[int64]Principal{},
		direct:     map[int64][]string{},
		roleIDs:    map[int64][]int64{},
		groupIDs:   map[int64][]int64{},
		groupRoles: map[int64][]int64{},
		rolePerms:  map[int64][]string{},
		posts:      map[int64][]ActivePost{},
		subOrgs:    map[int64][]int64{},
	}
}

func (s *fakeStore) FindPrincipal(_ context.Context, id int64) (Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, fmt.Errorf("%w: principal %d", ErrNotFound, id)
	}
	return p, nil
}

func (s *fakeStore) FindPrincipalByLogin(_ context.Context, login string) (Principal, error) {
	for _, p := range s.principals {
		if p.LoginName == login {
			return p, nil
		}
	}
	return Principal{}, ErrNotFound
}

func (s *fakeStore) DirectPerms(_ context.Context, id int64) ([]string, error) {
	return s.direct[id], nil
}

func (s *fakeStore) PrincipalRoleIDs(_ context.Context, id int64) ([]int64, error) {
	return s.roleIDs[id], nil
}

func (s *fakeStore) PrincipalGroupIDs(_ context.Context, id int64) ([]int64, error) {
	return s.groupIDs[id], nil
}

func (s *fakeStore) GroupRoleIDs(_ context.Context, groupIDs []int64) ([]int64, error) {
	var out []int64
	for _, g := range groupIDs {
		out = append(out, s.groupRoles[g]...)
	}
	return out, nil
}

func (s *fakeStore) RolePerms(_ context.Context, roleIDs []int64) ([]string, error) {
	var out []string
	for _, r := range roleIDs {
		out = append(out, s.rolePerms[r]...)
	}
	return out, nil
}

func (s *fakeStore) AllPermCodes(_ context.Context) ([]string, error) {
	return s.allCodes, nil
}

func (s *fakeStore) ActivePosts(_ context.Context, id int64) ([]ActivePost, error) {
	return s.posts[id], nil
}

func (s *fakeStore) OrgDescendants(_ context.Context, orgID int64) ([]int64, error) {
	return s.subOrgs[orgID], nil
}

func (s *fakeStore) CandidateRules(_ context.Context, q RuleQuery) ([]AccessRule, error) {
	var out []AccessRule
	for _, r := range s.rules {
		if !r.IsActive || r.ActionType != q.Action || r.EntityType != q.Entity {
			continue
		}
		if r.MinLevel > q.MaxLevel {
			continue
		}
		if !containsID(q.PostIDs, r.PostID) || !containsID(q.OrgIDs, r.OrganizationID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) FirstActiveRule(_ context.Context, entity EntityType, stage int) (*AccessRule, error) {
	for _, r := range s.rules {
		if r.IsActive && r.EntityType == entity && r.StageOrder == stage {
			rule := r
			return &rule, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Roles(_ context.Context) ([]Role, error) {
	return s.roles, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fakeTargets returns canned targets keyed by object id.
type fakeTargets map[int64]*Target

func (f fakeTargets) ResolveTarget(_ context.Context, _ EntityType, objectID int64) (*Target, error) {
	return f[objectID], nil
}
