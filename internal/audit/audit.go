package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/takotech/acsg/internal/ids"
	"github.com/takotech/acsg/internal/obs"
)

// Actions recorded in the audit trail.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Entry is one audit trail row.
type Entry struct {
	ID            string    `json:"id"`
	PrincipalID   *int64    `json:"principal_id,omitempty"`
	Action        string    `json:"action"`
	ModelName     string    `json:"model_name"`
	ObjectID      *int64    `json:"object_id,omitempty"`
	RelatedObject string    `json:"related_object,omitempty"`
	Path          string    `json:"path,omitempty"`
	Method        string    `json:"method,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	IP            string    `json:"ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Details       string    `json:"details,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes entries to the store and mirrors each one as a
// structured log line, so the trail survives even when the database
// append fails.
type Recorder struct {
	store Store
	log   *logrus.Entry
	now   func() time.Time
}

// NewRecorder builds a Recorder. A nil store is allowed for log-only use.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		log:   obs.WithComponent("audit"),
		now:   time.Now,
	}
}

// Record fills in defaults and persists the entry. The log line is always
// emitted; only the store error is returned.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	e.Action = strings.TrimSpace(strings.ToLower(e.Action))
	e.ModelName = strings.TrimSpace(e.ModelName)
	if e.Action == "" || e.ModelName == "" {
		return errors.New("audit: action and model name are required")
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}

	fields := logrus.Fields{
		"audit_id": e.ID,
		"action":   e.Action,
		"model":    e.ModelName,
	}
	if e.PrincipalID != nil {
		fields["principal_id"] = *e.PrincipalID
	}
	if e.ObjectID != nil {
		fields["object_id"] = *e.ObjectID
	}
	if e.RelatedObject != "" {
		fields["related_object"] = e.RelatedObject
	}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	if e.Method != "" {
		fields["method"] = e.Method
	}
	if e.StatusCode != 0 {
		fields["status"] = e.StatusCode
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	r.log.WithFields(fields).Info("audit event")

	if r.store == nil {
		return nil
	}
	return r.store.Append(ctx, e)
}
