package access

import "time"

// Principal is an authenticated actor.
type Principal struct {
	ID           int64     `json:"id"`
	LoginName    string    `json:"login_name"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	IsSystemRoot bool      `json:"is_system_root"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role groups permission codes. Parent is organisational metadata only;
// permissions never flow through it.
type Role struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
	IsActive bool   `json:"is_active"`
}

// Group bundles roles and members.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Organization is a node in the org tree. IsCore marks headquarters.
type Organization struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsCore   bool   `json:"is_core"`
	ParentID *int64 `json:"parent_id,omitempty"`
	IsActive bool   `json:"is_active"`
}

// Post is a job position within an organization. Smaller Level means
// higher authority.
type Post struct {
	ID             int64 `json:"id"`
	OrganizationID int64 `json:"organization_id"`
	Level          int   `json:"level"`
	IsActive       bool  `json:"is_active"`
}

// UserPost assigns a principal to a post, optionally time-bounded. The
// assignment counts as active while IsActive is set and EndDate is null.
type UserPost struct {
	ID          int64      `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	PostID      int64      `json:"post_id"`
	IsActive    bool       `json:"is_active"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// ActivePost is a user post joined with its post and organization,
// as returned for the principal's currently active assignments.
type ActivePost struct {
	UserPostID     int64 `json:"user_post_id"`
	PostID         int64 `json:"post_id"`
	OrganizationID int64 `json:"organization_id"`
	Level          int   `json:"level"`
	OrgIsCore      bool  `json:"org_is_core"`
}

// ActionType enumerates gated operations.
type ActionType string

const (
	ActionView    ActionType = "VIEW"
	ActionCreate  ActionType = "CREATE"
	ActionEdit    ActionType = "EDIT"
	ActionDelete  ActionType = "DELETE"
	ActionApprove ActionType = "APPROVE"
	ActionReject  ActionType = "REJECT"
)

// EntityType enumerates gated workflow entities.
type EntityType string

const (
	EntityFactor  EntityType = "FACTOR"
	EntityTankhah EntityType = "TANKHAH"
	EntityBudget  EntityType = "BUDGET"
	EntityPayment EntityType = "PAYMENT"
)

// AccessRule authorises a (post, organization, entity, stage, action)
// combination subject to a minimum authority level. A rule with
// MinLevel=3 is satisfied by any post whose level is at most 3.
type AccessRule struct {
	ID             int64      `json:"id"`
	PostID         int64      `json:"post_id"`
	OrganizationID int64      `json:"organization_id"`
	EntityType     EntityType `json:"entity_type"`
	ActionType     ActionType `json:"action_type"`
	StageOrder     int        `json:"stage_order"`
	MinLevel       int        `json:"min_level"`
	IsActive       bool       `json:"is_active"`
}

// Target carries the organization linkage of the object an action is
// aimed at. Resolved by the host application's object store.
type Target struct {
	OrganizationID   int64   `json:"organization_id"`
	ProjectOrgIDs    []int64 `json:"project_org_ids,omitempty"`
	SubprojectOrgIDs []int64 `json:"subproject_org_ids,omitempty"`
	StageOrder       int     `json:"stage_order,omitempty"`
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	HasAccess bool `json:"has_access"`
	// AllStages reports blanket access (root, HQ, or view-all holders);
	// AllowedStages is empty in that case.
	AllStages     bool        `json:"all_stages"`
	AllowedStages []int       `json:"allowed_stages"`
	UserPosts     []int64     `json:"user_posts"`
	UserOrgs      []int64     `json:"user_orgs"`
	MaxPostLevel  int         `json:"max_post_level"`
	MatchedRule   *AccessRule `json:"matched_rule,omitempty"`
	Error         string      `json:"error,omitempty"`
}
