package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/license"
	"github.com/takotech/acsg/internal/obs"
	"github.com/takotech/acsg/internal/session"
)

// PermManageLicense gates the license administration endpoints.
const PermManageLicense = "core.manage_license"

// ReadyProbe is a simple readiness check, usually a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// PrincipalFinder loads principals for authentication.
type PrincipalFinder interface {
	FindPrincipal(ctx context.Context, id int64) (access.Principal, error)
	FindPrincipalByLogin(ctx context.Context, loginName string) (access.Principal, error)
}

// PermsService answers effective-permission queries.
type PermsService interface {
	EffectivePerms(ctx context.Context, principalID int64) (map[string]struct{}, error)
	HasPerm(ctx context.Context, principalID int64, code string) (bool, error)
}

// AccessService evaluates action requests.
type AccessService interface {
	CanAct(ctx context.Context, req access.CheckRequest) (access.Decision, error)
}

// SessionService is the session lifecycle surface the API needs.
type SessionService interface {
	Begin(ctx context.Context, req session.BeginRequest) (session.Session, error)
	Touch(ctx context.Context, key, ip, userAgent string) (session.Session, error)
	End(ctx context.Context, key string) error
}

// LockService reports the deployment lock state.
type LockService interface {
	IsLocked(ctx context.Context, isRoot bool) (license.LockState, error)
}

// LicenseAdmin is the administrative license surface.
type LicenseAdmin interface {
	SetLicense(ctx context.Context, expiry time.Time, maxUsers int, orgName string) (license.Token, error)
	RotateLicense(ctx context.Context) (license.Token, error)
	ListLicenses(ctx context.Context) ([]license.Token, error)
}

// AuditSink records the audit trail of API activity.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Options carries everything the API layer depends on.
type Options struct {
	Principals PrincipalFinder
	Perms      PermsService
	Access     AccessService
	Sessions   SessionService
	Lock       LockService
	Licenses   LicenseAdmin
	Audit      AuditSink
	Tokens     *TokenIssuer
	Ready      ReadyProbe
	Version    string

	// RateBurst/RatePerSecond tune the per-IP limiter; zero disables it.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP boundary.
type API struct {
	router *mux.Router
	opts   Options
	log    *logrus.Entry
}

func New(opts Options) (*API, error) {
	if opts.Principals == nil || opts.Perms == nil || opts.Access == nil ||
		opts.Sessions == nil || opts.Lock == nil || opts.Licenses == nil || opts.Tokens == nil {
		return nil, errors.New("httpapi: missing required dependency")
	}
	a := &API{
		router: mux.NewRouter(),
		opts:   opts,
		log:    obs.WithComponent("httpapi"),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.info).Methods(http.MethodGet)
	r.HandleFunc("/v1/lock", a.lockState).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", a.login).Methods(http.MethodPost)

	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(a.withAuth, a.withLockGate)
	authed.HandleFunc("/sessions/heartbeat", a.heartbeat).Methods(http.MethodPost)
	authed.HandleFunc("/sessions", a.logout).Methods(http.MethodDelete)
	authed.HandleFunc("/access/check", a.accessCheck).Methods(http.MethodPost)
	authed.HandleFunc("/principals/{id:[0-9]+}/permissions", a.principalPerms).Methods(http.MethodGet)
	authed.HandleFunc("/admin/licenses", a.createLicense).Methods(http.MethodPost)
	authed.HandleFunc("/admin/licenses/rotate", a.rotateLicense).Methods(http.MethodPost)
	authed.HandleFunc("/admin/licenses", a.listLicenses).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, 1<<20)
	if a.opts.RatePerSecond > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	}
	h = a.logging(h)
	h = RequestID(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "acsg-api",
		"version": a.opts.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "acsg-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
