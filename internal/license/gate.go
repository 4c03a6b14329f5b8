package license

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/takotech/acsg/internal/obs"
)

const lockStateCacheKey = "license_state"

// Reason explains why the gate is closed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNoLicense Reason = "no license"
	ReasonExpired   Reason = "expired"
	ReasonSeatLimit Reason = "seat limit"
)

// LockState is the outcome of a gate evaluation.
type LockState struct {
	Locked      bool      `json:"locked"`
	Reason      Reason    `json:"reason,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	MaxUsers    int       `json:"max_users"`
	ActiveUsers int       `json:"active_users"`
	OrgName     string    `json:"org_name,omitempty"`
}

// lockSnapshot is the principal-independent part of a gate evaluation.
// The root seat-limit bypass is applied after the cache, so a cached
// snapshot serves every caller.
type lockSnapshot struct {
	missing     bool
	dateLocked  bool
	seatsLocked bool
	expiry      time.Time
	maxUsers    int
	activeUsers int
	orgName     string
}

// SessionCounter reports the number of distinct principals currently
// holding an active session.
type SessionCounter interface {
	CountDistinctActive(ctx context.Context) (int, error)
}

// Gate decides whether the deployment is locked by license expiry or the
// concurrent seat quota.
type Gate struct {
	svc      *Service
	sessions SessionCounter
	cache    *lru.LRU[string, lockSnapshot]
	now      func() time.Time
}

// NewGate constructs a Gate sharing the service's cache TTL.
func NewGate(svc *Service, sessions SessionCounter) (*Gate, error) {
	if svc == nil || sessions == nil {
		return nil, errors.New("license: service and session counter are required")
	}
	return &Gate{
		svc:      svc,
		sessions: sessions,
		cache:    lru.NewLRU[string, lockSnapshot](2, nil, svc.ttl),
		now:      svc.now,
	}, nil
}

// IsLocked evaluates the gate for a caller. isRoot enables the seat-limit
// bypass; the date lock applies to everyone, roots included.
func (g *Gate) IsLocked(ctx context.Context, isRoot bool) (LockState, error) {
	snap, ok := g.cache.Get(lockStateCacheKey)
	if !ok {
		var err error
		snap, err = g.snapshot(ctx)
		if err != nil {
			return LockState{}, err
		}
		g.cache.Add(lockStateCacheKey, snap)
	}

	state := LockState{
		Expiry:      snap.expiry,
		MaxUsers:    snap.maxUsers,
		ActiveUsers: snap.activeUsers,
		OrgName:     snap.orgName,
	}
	switch {
	case snap.missing:
		state.Locked = true
		state.Reason = ReasonNoLicense
	case isRoot && snap.seatsLocked && !snap.dateLocked:
		// Root bypasses the seat quota, never the date lock.
	case snap.dateLocked:
		state.Locked = true
		state.Reason = ReasonExpired
	case snap.seatsLocked:
		state.Locked = true
		state.Reason = ReasonSeatLimit
	}

	if state.Locked {
		obs.LockChecks.WithLabelValues("locked").Inc()
	} else {
		obs.LockChecks.WithLabelValues("unlocked").Inc()
	}
	return state, nil
}

func (g *Gate) snapshot(ctx context.Context) (lockSnapshot, error) {
	info, err := g.svc.Current(ctx)
	if err != nil {
		if errors.Is(err, ErrDecryptFailure) {
			obs.WithComponent("license").Warn("license token present but undecryptable, treating as missing")
			return lockSnapshot{missing: true}, nil
		}
		return lockSnapshot{}, err
	}
	if info == nil {
		return lockSnapshot{missing: true}, nil
	}

	active, err := g.sessions.CountDistinctActive(ctx)
	if err != nil {
		return lockSnapshot{}, err
	}

	today := truncateToDay(g.now())
	expiry := truncateToDay(info.Expiry)
	return lockSnapshot{
		dateLocked:  !today.Before(expiry),
		seatsLocked: active >= info.MaxUsers,
		expiry:      expiry,
		maxUsers:    info.MaxUsers,
		activeUsers: active,
		orgName:     info.OrgName,
	}, nil
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
