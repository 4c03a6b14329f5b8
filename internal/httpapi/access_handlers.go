package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/audit"
)

type accessCheckRequest struct {
	PrincipalID int64  `json:"principal_id,omitempty"`
	Action      string `json:"action"`
	Entity      string `json:"entity"`
	ObjectID    *int64 `json:"object_id,omitempty"`
	StageOrder  int    `json:"stage_order,omitempty"`
}

func (a *API) accessCheck(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action == "" || req.Entity == "" {
		writeError(w, r, http.StatusBadRequest, "action and entity are required")
		return
	}
	subject := caller.ID
	if req.PrincipalID != 0 && req.PrincipalID != caller.ID {
		// Only roots may evaluate someone else's access.
		if !caller.IsSystemRoot {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "only system root may check other principals",
			})
			return
		}
		subject = req.PrincipalID
	}

	decision, err := a.opts.Access.CanAct(r.Context(), access.CheckRequest{
		PrincipalID: subject,
		Action:      access.ActionType(req.Action),
		Entity:      access.EntityType(req.Entity),
		ObjectID:    req.ObjectID,
		StageOrder:  req.StageOrder,
	})
	if err != nil {
		switch {
		case errors.Is(err, access.ErrPrincipalNotFound):
			writeError(w, r, http.StatusNotFound, "principal not found")
		case errors.Is(err, access.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "access check failed")
		}
		return
	}

	if !decision.HasAccess {
		a.audit(r, audit.Entry{
			PrincipalID: &subject,
			Action:      audit.ActionRead,
			ModelName:   req.Entity,
			ObjectID:    req.ObjectID,
			Details:     "access denied: " + decision.Error,
		})
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) principalPerms(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid principal id")
		return
	}
	if id != caller.ID && !caller.IsSystemRoot {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "only system root may read other principals' permissions",
		})
		return
	}

	perms, err := a.opts.Perms.EffectivePerms(r.Context(), id)
	if err != nil {
		if errors.Is(err, access.ErrPrincipalNotFound) {
			writeError(w, r, http.StatusNotFound, "principal not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "permission query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": id,
		"permissions":  access.SortedPerms(perms),
	})
}
