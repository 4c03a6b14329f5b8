package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/takotech/acsg/internal/license"
)

func (s *Store) InsertToken(ctx context.Context, tok license.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into license_tokens (id, ciphertext, hash_value, salt, org_name, is_active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.Ciphertext, tok.HashValue, tok.Salt, tok.OrgName, tok.IsActive, tok.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("license token %s already exists", tok.ID)
		}
		return err
	}
	return nil
}

func (s *Store) NewestActiveToken(ctx context.Context) (*license.Token, error) {
	var tok license.Token
	err := s.db.QueryRowContext(ctx, `
		select id, ciphertext, hash_value, salt, org_name, is_active, created_at
		from license_tokens
		where is_active
		order by created_at desc, id desc
		limit 1
	`).Scan(&tok.ID, &tok.Ciphertext, &tok.HashValue, &tok.Salt, &tok.OrgName, &tok.IsActive, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]license.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, ciphertext, hash_value, salt, org_name, is_active, created_at
		from license_tokens
		order by created_at desc, id desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []license.Token
	for rows.Next() {
		var tok license.Token
		if err := rows.Scan(&tok.ID, &tok.Ciphertext, &tok.HashValue, &tok.Salt, &tok.OrgName, &tok.IsActive, &tok.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, tok)
	}
	return result, rows.Err()
}
