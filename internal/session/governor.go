package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/obs"
)

// AuditSink receives the audit trail of session lifecycle events.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config tunes the Governor.
type Config struct {
	// SingleSession evicts a principal's older sessions on login.
	SingleSession bool
	// IdleTimeout ends sessions with no activity for this long. The
	// boundary is inclusive: a session idle for exactly IdleTimeout is
	// expired.
	IdleTimeout time.Duration
	// MaxSeats caps distinct active principals when it returns a positive
	// value. Nil means no quota.
	MaxSeats func(ctx context.Context) (int, error)
}

// Governor owns the session lifecycle: login, heartbeat, logout and the
// idle reaper.
type Governor struct {
	repo Repo
	keys KeyStore
	aud  AuditSink
	cfg  Config
	log  *logrus.Entry
	now  func() time.Time
}

// Option configures Governor behavior.
type Option func(*Governor)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Governor) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGovernor constructs a Governor. aud may be nil to skip the audit
// trail.
func NewGovernor(repo Repo, keys KeyStore, aud AuditSink, cfg Config, opts ...Option) (*Governor, error) {
	if repo == nil || keys == nil {
		return nil, errors.New("session: repo and key store are required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	g := &Governor{
		repo: repo,
		keys: keys,
		aud:  aud,
		cfg:  cfg,
		log:  obs.WithComponent("session"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// keyTTL keeps keys alive a little past the idle horizon so the reaper,
// not the key store, decides expiry.
func (g *Governor) keyTTL() time.Duration {
	return 2 * g.cfg.IdleTimeout
}

// BeginRequest carries everything needed to open a session.
type BeginRequest struct {
	PrincipalID int64
	IsRoot      bool
	IP          string
	UserAgent   string
}

// Begin opens a new session for the principal. With single-session
// enforcement on, any older session of the same principal is ended and its
// key revoked. Logins of the same principal are serialized through the
// repository transaction, so two concurrent logins cannot both keep their
// session. Seat admissions of different principals are serialized through
// the transaction's seat lock, so the quota holds under concurrency.
func (g *Governor) Begin(ctx context.Context, req BeginRequest) (Session, error) {
	if req.PrincipalID <= 0 {
		return Session{}, fmt.Errorf("session: principal id is required")
	}
	key, err := NewKey()
	if err != nil {
		return Session{}, err
	}
	now := g.now().UTC()
	fresh := Session{
		Key:          key,
		PrincipalID:  req.PrincipalID,
		LoginTime:    now,
		LastActivity: now,
		IP:           strings.TrimSpace(req.IP),
		UserAgent:    strings.TrimSpace(req.UserAgent),
		IsActive:     true,
	}

	var evictedKeys []string
	err = g.repo.Transact(ctx, req.PrincipalID, func(tx Tx) error {
		actives, err := tx.ActiveByPrincipal(req.PrincipalID)
		if err != nil {
			return err
		}
		if len(actives) == 0 && !req.IsRoot && g.cfg.MaxSeats != nil {
			max, err := g.cfg.MaxSeats(ctx)
			if err != nil {
				return err
			}
			if max > 0 {
				if err := tx.LockSeats(); err != nil {
					return err
				}
				count, err := tx.CountDistinctActive()
				if err != nil {
					return err
				}
				if count >= max {
					return ErrSeatLimit
				}
			}
		}
		if g.cfg.SingleSession {
			for _, old := range actives {
				ended := old
				ended.IsActive = false
				logout := now
				ended.LogoutTime = &logout
				if err := tx.Update(ended); err != nil {
					return err
				}
				evictedKeys = append(evictedKeys, old.Key)
			}
		}
		return tx.Insert(fresh)
	})
	if err != nil {
		return Session{}, err
	}

	if len(evictedKeys) > 0 {
		if err := g.keys.Delete(ctx, evictedKeys...); err != nil {
			g.log.WithError(err).Warn("failed to revoke evicted session keys")
		}
		obs.SessionEvictions.Add(float64(len(evictedKeys)))
		g.recordEviction(ctx, req, len(evictedKeys))
	}
	if err := g.keys.Set(ctx, key, req.PrincipalID, g.keyTTL()); err != nil {
		return Session{}, err
	}
	g.refreshActiveGauge(ctx)
	return fresh, nil
}

func (g *Governor) recordEviction(ctx context.Context, req BeginRequest, count int) {
	if g.aud == nil {
		return
	}
	pid := req.PrincipalID
	entry := audit.Entry{
		PrincipalID:   &pid,
		Action:        audit.ActionUpdate,
		ModelName:     "Session",
		RelatedObject: "SingleSessionEnforced",
		IP:            req.IP,
		UserAgent:     req.UserAgent,
		Details:       fmt.Sprintf("ended %d previous session(s) on new login", count),
	}
	if err := g.aud.Record(ctx, entry); err != nil {
		g.log.WithError(err).Warn("failed to record session eviction")
	}
}

// Touch validates the key, advances the session's activity clock and
// refreshes the caller's ip and user agent. A key the store does not know,
// or one pointing at an ended row, yields ErrNotAuthenticated; a session
// past the idle horizon is ended and yields ErrExpired.
func (g *Governor) Touch(ctx context.Context, key, ip, userAgent string) (Session, error) {
	principalID, ok, err := g.keys.Get(ctx, key)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNotAuthenticated
	}

	now := g.now().UTC()
	var (
		out     Session
		dropKey bool
	)
	err = g.repo.Transact(ctx, principalID, func(tx Tx) error {
		actives, err := tx.ActiveByPrincipal(principalID)
		if err != nil {
			return err
		}
		cur, found := findByKey(actives, key)
		if !found {
			dropKey = true
			return ErrNotAuthenticated
		}
		if now.Sub(cur.LastActivity) >= g.cfg.IdleTimeout {
			cur.IsActive = false
			logout := now
			cur.LogoutTime = &logout
			if err := tx.Update(cur); err != nil {
				return err
			}
			dropKey = true
			return ErrExpired
		}
		cur.LastActivity = now
		if ip := strings.TrimSpace(ip); ip != "" {
			cur.IP = ip
		}
		if ua := strings.TrimSpace(userAgent); ua != "" {
			cur.UserAgent = ua
		}
		if err := tx.Update(cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if dropKey {
		if derr := g.keys.Delete(ctx, key); derr != nil {
			g.log.WithError(derr).Warn("failed to revoke dead session key")
		}
	}
	if err != nil {
		return Session{}, err
	}
	if serr := g.keys.Set(ctx, key, principalID, g.keyTTL()); serr != nil {
		g.log.WithError(serr).Warn("failed to refresh session key ttl")
	}
	return out, nil
}

// End closes the session behind the key. An unknown key yields
// ErrNotAuthenticated; ending an already-ended session is a no-op.
func (g *Governor) End(ctx context.Context, key string) error {
	principalID, ok, err := g.keys.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthenticated
	}
	now := g.now().UTC()
	err = g.repo.Transact(ctx, principalID, func(tx Tx) error {
		actives, err := tx.ActiveByPrincipal(principalID)
		if err != nil {
			return err
		}
		cur, found := findByKey(actives, key)
		if !found {
			return nil
		}
		cur.IsActive = false
		logout := now
		cur.LogoutTime = &logout
		return tx.Update(cur)
	})
	if err != nil {
		return err
	}
	if derr := g.keys.Delete(ctx, key); derr != nil {
		g.log.WithError(derr).Warn("failed to revoke session key on logout")
	}
	g.refreshActiveGauge(ctx)
	return nil
}

// ReapInactive ends every active session whose last activity is at or past
// the idle horizon. It is safe to run concurrently and repeatedly: each
// row is re-checked under the principal's lock before it is ended.
func (g *Governor) ReapInactive(ctx context.Context) (int, error) {
	now := g.now().UTC()
	cutoff := now.Add(-g.cfg.IdleTimeout)
	stale, err := g.repo.IdleActive(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var deadKeys []string
	for _, s := range stale {
		err := g.repo.Transact(ctx, s.PrincipalID, func(tx Tx) error {
			actives, err := tx.ActiveByPrincipal(s.PrincipalID)
			if err != nil {
				return err
			}
			cur, found := findByKey(actives, s.Key)
			if !found || cur.LastActivity.After(cutoff) {
				return nil
			}
			cur.IsActive = false
			logout := now
			cur.LogoutTime = &logout
			if err := tx.Update(cur); err != nil {
				return err
			}
			reaped++
			deadKeys = append(deadKeys, cur.Key)
			return nil
		})
		if err != nil {
			return reaped, err
		}
	}

	if len(deadKeys) > 0 {
		if derr := g.keys.Delete(ctx, deadKeys...); derr != nil {
			g.log.WithError(derr).Warn("failed to revoke reaped session keys")
		}
	}
	if reaped > 0 {
		obs.SessionsReaped.Add(float64(reaped))
		g.log.WithField("count", reaped).Info("reaped idle sessions")
	}
	g.refreshActiveGauge(ctx)
	return reaped, nil
}

// CountDistinctActive reports distinct principals with a live session. It
// backs the license seat quota.
func (g *Governor) CountDistinctActive(ctx context.Context) (int, error) {
	return g.repo.CountDistinctActive(ctx)
}

func (g *Governor) refreshActiveGauge(ctx context.Context) {
	count, err := g.repo.CountDistinctActive(ctx)
	if err != nil {
		return
	}
	obs.ActiveSessions.Set(float64(count))
}

func findByKey(sessions []Session, key string) (Session, bool) {
	for _, s := range sessions {
		if s.Key == key {
			return s, true
		}
	}
	return Session{}, false
}
