package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/license"
	"github.com/takotech/acsg/internal/session"
)

type stubBackend struct {
	principals map[int64]access.Principal
	byLogin    map[string]access.Principal
	perms      map[int64][]string

	sessions    map[string]session.Session
	beginErr    error
	decision    access.Decision
	decisionErr error

	lockState license.LockState
	tokens    []license.Token

	auditEntries []audit.Entry
}

func (s *stubBackend) FindPrincipal(_ context.Context, id int64) (access.Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return access.Principal{}, access.ErrNotFound
	}
	return p, nil
}

func (s *stubBackend) FindPrincipalByLogin(_ context.Context, login string) (access.Principal, error) {
	p, ok := s.byLogin[login]
	if !ok {
		return access.Principal{}, access.ErrNotFound
	}
	return p, nil
}

func (s *stubBackend) EffectivePerms(_ context.Context, id int64) (map[string]struct{}, error) {
	if _, ok := s.principals[id]; !ok {
		return nil, access.ErrPrincipalNotFound
	}
	out := make(map[string]struct{})
	for _, code := range s.perms[id] {
		out[code] = struct{}{}
	}
	return out, nil
}

func (s *stubBackend) HasPerm(ctx context.Context, id int64, code string) (bool, error) {
	perms, err := s.EffectivePerms(ctx, id)
	if err != nil {
		return false, err
	}
	_, ok := perms[code]
	return ok, nil
}

func (s *stubBackend) CanAct(_ context.Context, _ access.CheckRequest) (access.Decision, error) {
	return s.decision, s.decisionErr
}

func (s *stubBackend) Begin(_ context.Context, req session.BeginRequest) (session.Session, error) {
	if s.beginErr != nil {
		return session.Session{}, s.beginErr
	}
	key, _ := session.NewKey()
	sess := session.Session{
		Key:          key,
		PrincipalID:  req.PrincipalID,
		LoginTime:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		IsActive:     true,
	}
	s.sessions[key] = sess
	return sess, nil
}

func (s *stubBackend) Touch(_ context.Context, key, _, _ string) (session.Session, error) {
	sess, ok := s.sessions[key]
	if !ok {
		return session.Session{}, session.ErrNotAuthenticated
	}
	sess.LastActivity = time.Now().UTC()
	s.sessions[key] = sess
	return sess, nil
}

func (s *stubBackend) End(_ context.Context, key string) error {
	if _, ok := s.sessions[key]; !ok {
		return session.ErrNotAuthenticated
	}
	delete(s.sessions, key)
	return nil
}

func (s *stubBackend) IsLocked(_ context.Context, isRoot bool) (license.LockState, error) {
	state := s.lockState
	if isRoot && state.Reason == license.ReasonSeatLimit {
		state = license.LockState{}
	}
	return state, nil
}

func (s *stubBackend) SetLicense(_ context.Context, expiry time.Time, maxUsers int, orgName string) (license.Token, error) {
	if maxUsers < 1 {
		return license.Token{}, license.ErrInvalidInput
	}
	tok := license.Token{ID: "tok1", OrgName: orgName, IsActive: true, CreatedAt: time.Now().UTC()}
	s.tokens = append(s.tokens, tok)
	return tok, nil
}

func (s *stubBackend) RotateLicense(_ context.Context) (license.Token, error) {
	if len(s.tokens) == 0 {
		return license.Token{}, license.ErrNoLicense
	}
	return s.tokens[len(s.tokens)-1], nil
}

func (s *stubBackend) ListLicenses(_ context.Context) ([]license.Token, error) {
	return s.tokens, nil
}

func (s *stubBackend) Record(_ context.Context, e audit.Entry) error {
	s.auditEntries = append(s.auditEntries, e)
	return nil
}

func newTestAPI(t *testing.T) (*API, *stubBackend) {
	t.Helper()
	hash, err := access.HashPassword("hunter22")
	require.NoError(t, err)

	backend := &stubBackend{
		principals: map[int64]access.Principal{
			1: {ID: 1, LoginName: "root", PasswordHash: hash, IsSystemRoot: true, IsActive: true},
			2: {ID: 2, LoginName: "clerk", PasswordHash: hash, IsActive: true},
		},
		perms:    map[int64][]string{2: {"factor.view_factor"}},
		sessions: map[string]session.Session{},
	}
	backend.byLogin = map[string]access.Principal{
		"root":  backend.principals[1],
		"clerk": backend.principals[2],
	}

	issuer, err := NewTokenIssuer("test-secret", "acsg-test", time.Hour)
	require.NoError(t, err)

	api, err := New(Options{
		Principals: backend,
		Perms:      backend,
		Access:     backend,
		Sessions:   backend,
		Lock:       backend,
		Licenses:   backend,
		Audit:      backend,
		Tokens:     issuer,
		Version:    "test",
	})
	require.NoError(t, err)
	return api, backend
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, api *API, login string) string {
	t.Helper()
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": login,
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginAndHeartbeat(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, int64(2), sess.PrincipalID)

	// A login audit entry was written.
	require.NotEmpty(t, backend.auditEntries)
	require.Equal(t, "Session", backend.auditEntries[0].ModelName)
}

func TestLoginBadCredentials(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "nobody",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginWhileLocked(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.lockState = license.LockState{Locked: true, Reason: license.ReasonExpired}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)

	// An expired license locks out the root as well.
	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "root",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestRootBypassesSeatLimitLock(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.lockState = license.LockState{Locked: true, Reason: license.ReasonSeatLimit}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)

	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "root",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSeatLimitFromGovernor(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.beginErr = session.ErrSeatLimit

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestSeatLimitDenyIsAudited(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.beginErr = session.ErrSeatLimit

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)
	require.Len(t, backend.auditEntries, 1)
	entry := backend.auditEntries[0]
	require.Equal(t, "Session", entry.ModelName)
	require.Contains(t, entry.Details, "seat limit")
	require.NotNil(t, entry.PrincipalID)
	require.Equal(t, int64(2), *entry.PrincipalID)
}

func TestLockedLoginDenyIsAudited(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.lockState = license.LockState{Locked: true, Reason: license.ReasonExpired}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions", "", map[string]any{
		"login_name": "clerk",
		"password":   "hunter22",
	})
	require.Equal(t, http.StatusLocked, rec.Code)
	require.Len(t, backend.auditEntries, 1)
	require.Contains(t, backend.auditEntries[0].Details, license.ReasonExpired)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")

	// Simulate single-session eviction: the key store entry vanishes.
	for k := range backend.sessions {
		delete(backend.sessions, k)
	}
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions/heartbeat", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingOrGarbageToken(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions/heartbeat", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions/heartbeat", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")

	rec := doJSON(t, api.Handler(), http.MethodDelete, "/v1/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, backend.sessions)

	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions/heartbeat", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLockGateBlocksGatedEndpoints(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")
	backend.lockState = license.LockState{Locked: true, Reason: license.ReasonExpired}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", token, map[string]any{
		"action": "VIEW", "entity": "FACTOR",
	})
	require.Equal(t, http.StatusLocked, rec.Code)

	// Logout stays reachable so locked-out users can release their seat.
	rec = doJSON(t, api.Handler(), http.MethodDelete, "/v1/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAccessCheck(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")
	backend.decision = access.Decision{HasAccess: true, AllowedStages: []int{1, 2}}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", token, map[string]any{
		"action": "APPROVE", "entity": "FACTOR", "stage_order": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decision access.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	require.True(t, decision.HasAccess)
	require.Equal(t, []int{1, 2}, decision.AllowedStages)
}

func TestAccessCheckDeniedIsAudited(t *testing.T) {
	api, backend := newTestAPI(t)
	token := loginAs(t, api, "clerk")
	backend.auditEntries = nil
	backend.decision = access.Decision{HasAccess: false, Error: "no active post"}

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", token, map[string]any{
		"action": "APPROVE", "entity": "FACTOR",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, backend.auditEntries, 1)
	require.Contains(t, backend.auditEntries[0].Details, "access denied")
}

func TestAccessCheckOtherPrincipalNeedsRoot(t *testing.T) {
	api, backend := newTestAPI(t)
	clerkToken := loginAs(t, api, "clerk")
	rootToken := loginAs(t, api, "root")
	backend.decision = access.Decision{HasAccess: true, AllStages: true}

	body := map[string]any{"principal_id": 1, "action": "VIEW", "entity": "FACTOR"}
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", clerkToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	body["principal_id"] = 2
	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/access/check", rootToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPrincipalPermissions(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "clerk")

	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/principals/2/permissions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		PrincipalID int64    `json:"principal_id"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"factor.view_factor"}, resp.Permissions)

	// Reading someone else's permissions requires root.
	rec = doJSON(t, api.Handler(), http.MethodGet, "/v1/principals/1/permissions", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLicenseAdminRequiresPermission(t *testing.T) {
	api, _ := newTestAPI(t)
	clerkToken := loginAs(t, api, "clerk")
	rootToken := loginAs(t, api, "root")

	body := map[string]any{"expiry": "2027-03-01", "max_users": 8, "org_name": "acme"}
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/admin/licenses", clerkToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var denied struct {
		RequiredPerms []string `json:"required_perms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denied))
	require.Equal(t, []string{PermManageLicense}, denied.RequiredPerms)

	rec = doJSON(t, api.Handler(), http.MethodPost, "/v1/admin/licenses", rootToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, api.Handler(), http.MethodGet, "/v1/admin/licenses", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLicenseAdminBadExpiry(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken := loginAs(t, api, "root")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/admin/licenses", rootToken, map[string]any{
		"expiry": "03/01/2027", "max_users": 8, "org_name": "acme",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockStateIsPublic(t *testing.T) {
	api, backend := newTestAPI(t)
	backend.lockState = license.LockState{Locked: true, Reason: license.ReasonSeatLimit}

	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/lock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state license.LockState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.True(t, state.Locked)
	require.Equal(t, license.ReasonSeatLimit, state.Reason)
}

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rec := doJSON(t, api.Handler(), http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestTokenIssuerRejectsTampering(t *testing.T) {
	issuer, err := NewTokenIssuer("secret-a", "acsg", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer("secret-b", "acsg", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.Issue(7, "sessionkey")
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "sessionkey", claims.SessionKey)
	require.Equal(t, "7", claims.Subject)

	_, err = other.Parse(token)
	require.True(t, errors.Is(err, ErrInvalidToken))
}
