// Package identity provides anonymous per-device learner identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AnonCookieName holds the learner id.
	AnonCookieName   = "studybot_learner_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const learnerIDKey contextKey = iota

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// LearnerIDFromContext extracts the learner ID from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLearnerID returns a context carrying learnerID.
func WithLearnerID(ctx context.Context, learnerID string) context.Context {
	return context.WithValue(ctx, learnerIDKey, learnerID)
}

// NewLearnerID returns a fresh anonymous learner id.
func NewLearnerID() string {
	return "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValidLearnerID reports whether id has the anonymous id shape.
func IsValidLearnerID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func learnerCookie(id string, isDev bool) *http.Cookie {
	return &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	}
}

// getOrCreateLearnerID reuses a valid cookie, refreshing its expiry, or
// issues a new id.
func getOrCreateLearnerID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && IsValidLearnerID(c.Value) {
		id = c.Value
	} else {
		id = NewLearnerID()
	}
	http.SetCookie(w, learnerCookie(id, isDev))
	return id
}

// Middleware injects an anonymous per-device learner id.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			learnerID := getOrCreateLearnerID(w, r, isDev)
			next.ServeHTTP(w, r.WithContext(WithLearnerID(r.Context(), learnerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
