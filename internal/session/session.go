package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAuthenticated marks a session key that does not resolve to a
	// live session.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	// ErrExpired marks a session ended because it sat idle too long.
	ErrExpired = errors.New("session: expired")

	// ErrSeatLimit marks a login denied because the concurrent seat quota
	// is exhausted.
	ErrSeatLimit = errors.New("session: seat limit reached")
)

// Session is one login row. A principal holds at most one active session
// when single-session enforcement is on.
type Session struct {
	Key          string     `json:"-"`
	PrincipalID  int64      `json:"principal_id"`
	LoginTime    time.Time  `json:"login_time"`
	LastActivity time.Time  `json:"last_activity"`
	IP           string     `json:"ip,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IsActive     bool       `json:"is_active"`
	LogoutTime   *time.Time `json:"logout_time,omitempty"`
}

// NewKey returns a fresh 40-character hex session key.
func NewKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Tx is the set of row operations available inside a per-principal
// transaction.
type Tx interface {
	ActiveByPrincipal(principalID int64) ([]Session, error)
	Insert(s Session) error
	Update(s Session) error
	// LockSeats serializes seat admissions across principals for the
	// rest of the transaction. Two principals racing for the last seat
	// must not both pass the quota check.
	LockSeats() error
	// CountDistinctActive counts distinct principals with a live session
	// as seen by this transaction.
	CountDistinctActive() (int, error)
}

// Repo persists session rows. Transact serializes concurrent logins of the
// same principal; implementations take a row-level lock on the principal
// for the duration of fn.
type Repo interface {
	Transact(ctx context.Context, principalID int64, fn func(Tx) error) error
	IdleActive(ctx context.Context, cutoff time.Time) ([]Session, error)
	CountDistinctActive(ctx context.Context) (int, error)
}
