package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/takotech/acsg/internal/obs"
)

// CheckRequest asks whether a principal may perform an action on an entity
// type at a workflow stage, optionally narrowed to a concrete object.
type CheckRequest struct {
	PrincipalID int64      `json:"principal_id"`
	Action      ActionType `json:"action"`
	Entity      EntityType `json:"entity"`
	ObjectID    *int64     `json:"object_id,omitempty"`
	StageOrder  int        `json:"stage_order,omitempty"`
}

// Evaluator makes access decisions from permission, scope and rule state.
// CanAct is a pure function of that state; it performs no writes.
type Evaluator struct {
	store    Store
	resolver *Resolver
	scoper   *Scoper
	targets  TargetResolver
}

// NewEvaluator constructs an Evaluator. targets may be nil when no object
// store is wired; object-scoped checks then skip the target constraint.
func NewEvaluator(store Store, resolver *Resolver, scoper *Scoper, targets TargetResolver) (*Evaluator, error) {
	if store == nil || resolver == nil || scoper == nil {
		return nil, errors.New("access: store, resolver and scoper are required")
	}
	return &Evaluator{store: store, resolver: resolver, scoper: scoper, targets: targets}, nil
}

// CanAct evaluates the request and returns a Decision. The error return is
// reserved for lookup failures; a deny is a Decision with HasAccess=false.
func (e *Evaluator) CanAct(ctx context.Context, req CheckRequest) (Decision, error) {
	if req.Action == "" || req.Entity == "" {
		return Decision{}, fmt.Errorf("%w: action and entity are required", ErrInvalidInput)
	}
	stage := req.StageOrder
	if stage == 0 {
		stage = 1
	}

	principal, err := e.store.FindPrincipal(ctx, req.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{}, fmt.Errorf("%w: id %d", ErrPrincipalNotFound, req.PrincipalID)
		}
		return Decision{}, err
	}
	if !principal.IsActive {
		observeDecision(req, false)
		return Decision{MaxPostLevel: 1, Error: "principal is inactive"}, nil
	}

	posts, err := e.store.ActivePosts(ctx, principal.ID)
	if err != nil {
		return Decision{}, err
	}
	postIDs := make([]int64, 0, len(posts))
	orgIDs := make([]int64, 0, len(posts))
	hq := false
	for _, p := range posts {
		postIDs = append(postIDs, p.PostID)
		orgIDs = appendUnique(orgIDs, p.OrganizationID)
		if p.OrgIsCore {
			hq = true
		}
	}

	blanket := principal.IsSystemRoot || hq
	if !blanket {
		perms, err := e.resolver.effectivePerms(ctx, principal)
		if err != nil {
			return Decision{}, err
		}
		_, blanket = perms[ViewAllPerm(req.Entity)]
	}
	if blanket {
		matched, err := e.store.FirstActiveRule(ctx, req.Entity, stage)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Decision{}, err
		}
		observeDecision(req, true)
		return Decision{
			HasAccess:   true,
			AllStages:   true,
			UserPosts:   postIDs,
			UserOrgs:    orgIDs,
			MatchedRule: matched,
		}, nil
	}

	if len(posts) == 0 {
		observeDecision(req, false)
		return Decision{MaxPostLevel: 1, Error: "no active post"}, nil
	}
	level := maxLevel(posts)

	candidates, err := e.store.CandidateRules(ctx, RuleQuery{
		PostIDs:  postIDs,
		OrgIDs:   orgIDs,
		Action:   req.Action,
		Entity:   req.Entity,
		MaxLevel: level,
	})
	if err != nil {
		return Decision{}, err
	}

	if req.ObjectID != nil && e.targets != nil {
		target, err := e.targets.ResolveTarget(ctx, req.Entity, *req.ObjectID)
		if err != nil {
			return Decision{}, err
		}
		if target != nil {
			candidates = filterByTarget(candidates, target)
			if target.StageOrder > 0 && req.StageOrder == 0 {
				stage = target.StageOrder
			}
		}
	}

	matched := pickRule(candidates, stage)
	decision := Decision{
		HasAccess:     matched != nil,
		AllowedStages: distinctStages(candidates),
		UserPosts:     postIDs,
		UserOrgs:      orgIDs,
		MaxPostLevel:  level,
		MatchedRule:   matched,
	}
	if matched == nil {
		decision.Error = fmt.Sprintf("level %d not sufficient for stage %d", level, stage)
	}
	observeDecision(req, decision.HasAccess)
	return decision, nil
}

func observeDecision(req CheckRequest, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	obs.AccessDecisions.WithLabelValues(string(req.Entity), string(req.Action), outcome).Inc()
}

// filterByTarget keeps rules whose organization matches the target's own
// organization or belongs to its project/sub-project organization sets.
func filterByTarget(rules []AccessRule, target *Target) []AccessRule {
	allowed := map[int64]struct{}{target.OrganizationID: {}}
	for _, id := range target.ProjectOrgIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range target.SubprojectOrgIDs {
		allowed[id] = struct{}{}
	}
	out := rules[:0:0]
	for _, r := range rules {
		if _, ok := allowed[r.OrganizationID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// pickRule selects the rule at the requested stage. When several match,
// the largest (most restrictive) min_level wins; remaining ties break on
// the lowest id.
func pickRule(rules []AccessRule, stage int) *AccessRule {
	var best *AccessRule
	for i := range rules {
		r := &rules[i]
		if r.StageOrder != stage {
			continue
		}
		if best == nil || r.MinLevel > best.MinLevel || (r.MinLevel == best.MinLevel && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	picked := *best
	return &picked
}

func distinctStages(rules []AccessRule) []int {
	seen := map[int]struct{}{}
	var stages []int
	for _, r := range rules {
		if _, ok := seen[r.StageOrder]; !ok {
			seen[r.StageOrder] = struct{}{}
			stages = append(stages, r.StageOrder)
		}
	}
	sort.Ints(stages)
	return stages
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
