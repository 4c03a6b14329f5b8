package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/takotech/acsg/internal/access"
)

func (s *Store) FindPrincipal(ctx context.Context, id int64) (access.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `
		select id, login_name, display_name, password_hash, is_system_root, is_active, created_at
		from principals where id = $1
	`, id))
}

func (s *Store) FindPrincipalByLogin(ctx context.Context, loginName string) (access.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx, `
		select id, login_name, display_name, password_hash, is_system_root, is_active, created_at
		from principals where lower(login_name) = lower($1)
	`, strings.TrimSpace(loginName)))
}

func (s *Store) scanPrincipal(row *sql.Row) (access.Principal, error) {
	var p access.Principal
	err := row.Scan(&p.ID, &p.LoginName, &p.DisplayName, &p.PasswordHash, &p.IsSystemRoot, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Principal{}, access.ErrNotFound
	}
	if err != nil {
		return access.Principal{}, err
	}
	return p, nil
}

func (s *Store) DirectPerms(ctx context.Context, principalID int64) ([]string, error) {
	return s.stringList(ctx, `
		select p.code
		from principal_perms pp
		join permissions p on p.id = pp.permission_id
		where pp.principal_id = $1
	`, principalID)
}

func (s *Store) PrincipalRoleIDs(ctx context.Context, principalID int64) ([]int64, error) {
	return s.int64List(ctx, `
		select r.id
		from principal_roles pr
		join roles r on r.id = pr.role_id
		where pr.principal_id = $1 and r.is_active
	`, principalID)
}

func (s *Store) PrincipalGroupIDs(ctx context.Context, principalID int64) ([]int64, error) {
	return s.int64List(ctx, `
		select group_id from group_members where principal_id = $1
	`, principalID)
}

func (s *Store) GroupRoleIDs(ctx context.Context, groupIDs []int64) ([]int64, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	return s.int64List(ctx, `
		select distinct r.id
		from group_roles gr
		join roles r on r.id = gr.role_id
		where gr.group_id = any($1) and r.is_active
	`, groupIDs)
}

func (s *Store) RolePerms(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	return s.stringList(ctx, `
		select distinct p.code
		from role_perms rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = any($1)
	`, roleIDs)
}

func (s *Store) AllPermCodes(ctx context.Context) ([]string, error) {
	return s.stringList(ctx, `select code from permissions`)
}

func (s *Store) ActivePosts(ctx context.Context, principalID int64) ([]access.ActivePost, error) {
	rows, err := s.db.QueryContext(ctx, `
		select up.id, p.id, o.id, p.level, o.is_core
		from user_posts up
		join posts p on p.id = up.post_id and p.is_active
		join organizations o on o.id = p.organization_id and o.is_active
		where up.principal_id = $1 and up.is_active and up.end_date is null
		order by up.id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.ActivePost
	for rows.Next() {
		var ap access.ActivePost
		if err := rows.Scan(&ap.UserPostID, &ap.PostID, &ap.OrganizationID, &ap.Level, &ap.OrgIsCore); err != nil {
			return nil, err
		}
		result = append(result, ap)
	}
	return result, rows.Err()
}

func (s *Store) OrgDescendants(ctx context.Context, orgID int64) ([]int64, error) {
	return s.int64List(ctx, `
		with recursive descendants as (
			select id from organizations where parent_id = $1 and is_active
			union all
			select o.id
			from organizations o
			join descendants d on o.parent_id = d.id
			where o.is_active
		)
		select id from descendants
	`, orgID)
}

func (s *Store) CandidateRules(ctx context.Context, q access.RuleQuery) ([]access.AccessRule, error) {
	if len(q.PostIDs) == 0 || len(q.OrgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, post_id, organization_id, entity_type, action_type, stage_order, min_level, is_active
		from access_rules
		where is_active
		  and post_id = any($1)
		  and organization_id = any($2)
		  and action_type = $3
		  and entity_type = $4
		  and min_level <= $5
		order by stage_order, min_level desc, id
	`, q.PostIDs, q.OrgIDs, string(q.Action), string(q.Entity), q.MaxLevel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.AccessRule
	for rows.Next() {
		var r access.AccessRule
		if err := rows.Scan(&r.ID, &r.PostID, &r.OrganizationID, &r.EntityType, &r.ActionType, &r.StageOrder, &r.MinLevel, &r.IsActive); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) FirstActiveRule(ctx context.Context, entity access.EntityType, stage int) (*access.AccessRule, error) {
	var r access.AccessRule
	err := s.db.QueryRowContext(ctx, `
		select id, post_id, organization_id, entity_type, action_type, stage_order, min_level, is_active
		from access_rules
		where is_active and entity_type = $1 and stage_order = $2
		order by id
		limit 1
	`, string(entity), stage).Scan(&r.ID, &r.PostID, &r.OrganizationID, &r.EntityType, &r.ActionType, &r.StageOrder, &r.MinLevel, &r.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Roles(ctx context.Context) ([]access.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, parent_id, is_active from roles order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.Role
	for rows.Next() {
		var (
			r      access.Role
			parent sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &parent, &r.IsActive); err != nil {
			return nil, err
		}
		if parent.Valid {
			r.ParentID = &parent.Int64
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) stringList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *Store) int64List(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
