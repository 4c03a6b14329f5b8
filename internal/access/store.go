package access

import "context"

// Store describes the persistence reads the access components need. The
// PostgreSQL implementation lives in internal/store/pg.
type Store interface {
	FindPrincipal(ctx context.Context, id int64) (Principal, error)
	FindPrincipalByLogin(ctx context.Context, loginName string) (Principal, error)

	// DirectPerms returns permission codes attached straight to the
	// principal.
	DirectPerms(ctx context.Context, principalID int64) ([]string, error)
	// PrincipalRoleIDs returns ids of active roles directly on the
	// principal.
	PrincipalRoleIDs(ctx context.Context, principalID int64) ([]int64, error)
	// PrincipalGroupIDs returns ids of groups the principal belongs to.
	PrincipalGroupIDs(ctx context.Context, principalID int64) ([]int64, error)
	// GroupRoleIDs returns ids of active roles reachable through the
	// given groups.
	GroupRoleIDs(ctx context.Context, groupIDs []int64) ([]int64, error)
	// RolePerms returns the union of permission codes on the given roles.
	RolePerms(ctx context.Context, roleIDs []int64) ([]string, error)
	// AllPermCodes returns the universe of declared permission codes.
	AllPermCodes(ctx context.Context) ([]string, error)

	// ActivePosts returns the principal's active post assignments joined
	// with post and organization data.
	ActivePosts(ctx context.Context, principalID int64) ([]ActivePost, error)
	// OrgDescendants returns the transitive closure of sub-organizations.
	OrgDescendants(ctx context.Context, orgID int64) ([]int64, error)

	// CandidateRules returns active rules matching the query, ordered by
	// stage_order, min_level desc, id.
	CandidateRules(ctx context.Context, q RuleQuery) ([]AccessRule, error)
	// FirstActiveRule returns the first active rule for an entity type at
	// a stage, ignoring post/org constraints. Used for blanket access.
	FirstActiveRule(ctx context.Context, entity EntityType, stage int) (*AccessRule, error)

	// Roles returns every role; used for parent-chain validation.
	Roles(ctx context.Context) ([]Role, error)
}

// RuleQuery narrows the AccessRule candidate set.
type RuleQuery struct {
	PostIDs  []int64
	OrgIDs   []int64
	Action   ActionType
	Entity   EntityType
	MaxLevel int
}

// TargetResolver loads the organization linkage of a gated object from the
// host application's object store.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, entity EntityType, objectID int64) (*Target, error)
}
