package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/license"
)

type createLicenseRequest struct {
	Expiry   string `json:"expiry"`
	MaxUsers int    `json:"max_users"`
	OrgName  string `json:"org_name"`
}

func (a *API) createLicense(w http.ResponseWriter, r *http.Request) {
	if !a.requirePerm(w, r, PermManageLicense) {
		return
	}
	var req createLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	expiry, err := time.Parse("2006-01-02", strings.TrimSpace(req.Expiry))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "expiry must be YYYY-MM-DD")
		return
	}

	tok, err := a.opts.Licenses.SetLicense(r.Context(), expiry, req.MaxUsers, req.OrgName)
	if err != nil {
		if errors.Is(err, license.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "license update failed")
		return
	}

	caller, _ := PrincipalFromContext(r.Context())
	a.audit(r, audit.Entry{
		PrincipalID: &caller.ID,
		Action:      audit.ActionCreate,
		ModelName:   "LicenseToken",
		Details:     "license set for " + tok.OrgName,
	})
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) rotateLicense(w http.ResponseWriter, r *http.Request) {
	if !a.requirePerm(w, r, PermManageLicense) {
		return
	}
	tok, err := a.opts.Licenses.RotateLicense(r.Context())
	if err != nil {
		if errors.Is(err, license.ErrNoLicense) {
			writeError(w, r, http.StatusNotFound, "no active license to rotate")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "license rotation failed")
		return
	}
	caller, _ := PrincipalFromContext(r.Context())
	a.audit(r, audit.Entry{
		PrincipalID: &caller.ID,
		Action:      audit.ActionUpdate,
		ModelName:   "LicenseToken",
		Details:     "license rotated",
	})
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) listLicenses(w http.ResponseWriter, r *http.Request) {
	if !a.requirePerm(w, r, PermManageLicense) {
		return
	}
	tokens, err := a.opts.Licenses.ListLicenses(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "license listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": tokens})
}

func (a *API) lockState(w http.ResponseWriter, r *http.Request) {
	state, err := a.opts.Lock.IsLocked(r.Context(), false)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lock check failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}
