package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/takotech/acsg/internal/session"
)

// Transact runs fn under a row lock on the principal, serializing
// concurrent logins and heartbeats of the same principal.
func (s *Store) Transact(ctx context.Context, principalID int64, fn func(session.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from principals where id = $1 for update`, principalID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("pg: unknown principal")
	}
	if err != nil {
		return err
	}

	if err := fn(&sessionTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) IdleActive(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select session_key, principal_id, login_time, last_activity, ip, user_agent, is_active, logout_time
		from sessions
		where is_active and last_activity <= $1
		order by last_activity
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) CountDistinctActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(distinct principal_id) from sessions where is_active
	`).Scan(&count)
	return count, err
}

// seatLockKey is the advisory lock id serializing seat admissions.
const seatLockKey = 874_283_401

type sessionTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sessionTx) LockSeats() error {
	_, err := t.tx.ExecContext(t.ctx, `select pg_advisory_xact_lock($1)`, seatLockKey)
	return err
}

func (t *sessionTx) CountDistinctActive() (int, error) {
	var count int
	err := t.tx.QueryRowContext(t.ctx, `
		select count(distinct principal_id) from sessions where is_active
	`).Scan(&count)
	return count, err
}

func (t *sessionTx) ActiveByPrincipal(principalID int64) ([]session.Session, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select session_key, principal_id, login_time, last_activity, ip, user_agent, is_active, logout_time
		from sessions
		where principal_id = $1 and is_active
		order by login_time
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (t *sessionTx) Insert(s session.Session) error {
	_, err := t.tx.ExecContext(t.ctx, `
		insert into sessions (session_key, principal_id, login_time, last_activity, ip, user_agent, is_active, logout_time)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.Key, s.PrincipalID, s.LoginTime, s.LastActivity, nullIfEmpty(s.IP), nullIfEmpty(s.UserAgent), s.IsActive, s.LogoutTime)
	return err
}

func (t *sessionTx) Update(s session.Session) error {
	res, err := t.tx.ExecContext(t.ctx, `
		update sessions
		set last_activity = $2, is_active = $3, logout_time = $4, ip = $5, user_agent = $6
		where session_key = $1
	`, s.Key, s.LastActivity, s.IsActive, s.LogoutTime, nullIfEmpty(s.IP), nullIfEmpty(s.UserAgent))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("pg: session row vanished")
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]session.Session, error) {
	var result []session.Session
	for rows.Next() {
		var (
			s          session.Session
			ip, agent  sql.NullString
			logoutTime sql.NullTime
		)
		if err := rows.Scan(&s.Key, &s.PrincipalID, &s.LoginTime, &s.LastActivity, &ip, &agent, &s.IsActive, &logoutTime); err != nil {
			return nil, err
		}
		s.IP = ip.String
		s.UserAgent = agent.String
		if logoutTime.Valid {
			t := logoutTime.Time
			s.LogoutTime = &t
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
