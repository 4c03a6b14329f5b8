package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/takotech/acsg/internal/access"
)

var _ access.TargetResolver = (*Store)(nil)

// ResolveTarget loads the organization linkage of a gated object. Host
// applications register their workflow objects in gated_objects and the
// project/subproject links in gated_object_links.
func (s *Store) ResolveTarget(ctx context.Context, entity access.EntityType, objectID int64) (*access.Target, error) {
	var (
		target access.Target
		stage  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		select organization_id, stage_order
		from gated_objects
		where entity_type = $1 and object_id = $2
	`, string(entity), objectID).Scan(&target.OrganizationID, &stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if stage.Valid {
		target.StageOrder = int(stage.Int64)
	}

	rows, err := s.db.QueryContext(ctx, `
		select link_kind, organization_id
		from gated_object_links
		where entity_type = $1 and object_id = $2
		order by organization_id
	`, string(entity), objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			orgID int64
		)
		if err := rows.Scan(&kind, &orgID); err != nil {
			return nil, err
		}
		switch kind {
		case "project":
			target.ProjectOrgIDs = append(target.ProjectOrgIDs, orgID)
		case "subproject":
			target.SubprojectOrgIDs = append(target.SubprojectOrgIDs, orgID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &target, nil
}
