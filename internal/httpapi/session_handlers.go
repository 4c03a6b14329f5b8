package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/license"
	"github.com/takotech/acsg/internal/session"
)

type loginRequest struct {
	LoginName string `json:"login_name"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at"`
	Session   session.Session `json:"session"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.LoginName = strings.TrimSpace(req.LoginName)
	if req.LoginName == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login_name and password are required")
		return
	}

	principal, err := a.opts.Principals.FindPrincipalByLogin(r.Context(), req.LoginName)
	if err != nil {
		if errors.Is(err, access.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}
	if !principal.IsActive || access.VerifyPassword(principal.PasswordHash, req.Password) != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	state, err := a.opts.Lock.IsLocked(r.Context(), principal.IsSystemRoot)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lock check failed")
		return
	}
	if state.Locked {
		a.audit(r, audit.Entry{
			PrincipalID: &principal.ID,
			Action:      audit.ActionRead,
			ModelName:   "Session",
			Details:     "login denied: " + string(state.Reason),
		})
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":  "deployment is locked",
			"reason": state.Reason,
		})
		return
	}

	sess, err := a.opts.Sessions.Begin(r.Context(), session.BeginRequest{
		PrincipalID: principal.ID,
		IsRoot:      principal.IsSystemRoot,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, session.ErrSeatLimit) {
			a.audit(r, audit.Entry{
				PrincipalID: &principal.ID,
				Action:      audit.ActionRead,
				ModelName:   "Session",
				Details:     "login denied: seat limit",
			})
			writeJSON(w, http.StatusLocked, map[string]any{
				"error":  "deployment is locked",
				"reason": license.ReasonSeatLimit,
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	token, expiresAt, err := a.opts.Tokens.Issue(principal.ID, sess.Key)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	a.audit(r, audit.Entry{
		PrincipalID: &principal.ID,
		Action:      audit.ActionCreate,
		ModelName:   "Session",
		Details:     "login",
	})
	writeJSON(w, http.StatusCreated, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format("2006-01-02T15:04:05Z07:00"),
		Session:   sess,
	})
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	// withAuth already touched the session; report the refreshed state.
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	if err := a.opts.Sessions.End(r.Context(), sess.Key); err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			writeError(w, r, http.StatusUnauthorized, "not authenticated")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	a.audit(r, audit.Entry{
		PrincipalID: &sess.PrincipalID,
		Action:      audit.ActionDelete,
		ModelName:   "Session",
		Details:     "logout",
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// audit records an API event; failures are logged, never surfaced.
func (a *API) audit(r *http.Request, e audit.Entry) {
	if a.opts.Audit == nil {
		return
	}
	e.Path = r.URL.Path
	e.Method = r.Method
	e.IP = clientIP(r)
	e.UserAgent = r.UserAgent()
	if err := a.opts.Audit.Record(r.Context(), e); err != nil {
		a.log.WithError(err).Warn("failed to record audit entry")
	}
}
