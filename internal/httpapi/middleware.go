package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/takotech/acsg/internal/audit"
	"github.com/takotech/acsg/internal/session"
)

const (
	authHeader      = "Authorization"
	bearer          = "Bearer "
	requestIDHeader = "X-Request-Id"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestID attaches a request id to the context and response, honoring
// one supplied by the caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := contextWithRequestID(r.Context(), rid)
		ctx = audit.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging: method, path, status, duration
func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		a.log.WithFields(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.code,
			"duration":   time.Since(start).String(),
			"request_id": RequestIDFromContext(r.Context()),
		}).Info("request")
	})
}

// SecurityHeaders: hardening defaults for a JSON API
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// RateLimit: token-bucket per client IP
func RateLimit(next http.Handler, burst int, perSecond int) http.Handler {
	type bucket struct {
		lim *rate.Limiter
		ts  time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		ttl     = 5 * time.Minute
	)
	if burst < 1 {
		burst = perSecond
	}
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for range ticker.C {
			now := time.Now()
			mu.Lock()
			for k, b := range buckets {
				if now.Sub(b.ts) > ttl {
					delete(buckets, k)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		mu.Lock()
		b, ok := buckets[ip]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[ip] = b
		}
		b.ts = time.Now()
		mu.Unlock()
		if !b.lim.Allow() {
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth parses the bearer token and advances the session's activity
// clock. Every authenticated request is a heartbeat.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.opts.Tokens.Parse(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		sess, err := a.opts.Sessions.Touch(r.Context(), claims.SessionKey, clientIP(r), r.UserAgent())
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotAuthenticated):
				writeError(w, r, http.StatusUnauthorized, "not authenticated")
			case errors.Is(err, session.ErrExpired):
				writeError(w, r, http.StatusUnauthorized, "session expired")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		principal, err := a.opts.Principals.FindPrincipal(r.Context(), sess.PrincipalID)
		if err != nil || !principal.IsActive {
			writeError(w, r, http.StatusUnauthorized, "not authenticated")
			return
		}

		ctx := contextWithPrincipal(r.Context(), principal)
		ctx = contextWithSession(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lockExemptPaths stay reachable while the deployment is locked so
// operators can inspect and repair the license, and users can log out.
var lockExemptPaths = []string{
	"/v1/sessions",
	"/v1/admin/licenses",
	"/v1/admin/licenses/rotate",
}

// withLockGate refuses gated requests while the license lock is engaged.
func (a *API) withLockGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range lockExemptPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		principal, _ := PrincipalFromContext(r.Context())
		state, err := a.opts.Lock.IsLocked(r.Context(), principal.IsSystemRoot)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "lock check failed")
			return
		}
		if state.Locked {
			writeJSON(w, http.StatusLocked, map[string]any{
				"error":  "deployment is locked",
				"reason": state.Reason,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePerm allows roots and holders of the permission code through.
func (a *API) requirePerm(w http.ResponseWriter, r *http.Request, code string) bool {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return false
	}
	if principal.IsSystemRoot {
		return true
	}
	has, err := a.opts.Perms.HasPerm(r.Context(), principal.ID, code)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission check failed")
		return false
	}
	if !has {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":          "permission denied",
			"required_perms": []string{code},
		})
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
