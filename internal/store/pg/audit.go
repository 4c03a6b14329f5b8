package pg

import (
	"context"

	"github.com/takotech/acsg/internal/audit"
)

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (
			id, principal_id, action, model_name, object_id, related_object,
			path, method, status_code, ip, user_agent, details, occurred_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.PrincipalID, e.Action, e.ModelName, e.ObjectID, nullIfEmpty(e.RelatedObject),
		nullIfEmpty(e.Path), nullIfEmpty(e.Method), e.StatusCode, nullIfEmpty(e.IP),
		nullIfEmpty(e.UserAgent), nullIfEmpty(e.Details), e.OccurredAt)
	return err
}
