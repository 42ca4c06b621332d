package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates every request outside SkipPrefixes and
// enforces a minimum role for mutating methods. A nil Authenticator
// (disabled mode) passes everything through with an anonymous
// identity.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if m.Authenticator == nil {
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), Identity{Subject: "anonymous"})))
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			status := http.StatusUnauthorized
			reason := "unauthorized"
			if !errors.Is(err, ErrUnauthenticated) {
				m.Logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
			}
			writeDeny(w, r, status, reason)
			return
		}

		if !HasAtLeast(identity.Roles, requiredRoleFor(r)) {
			m.Logger.Warn("authorization denied",
				"subject", identity.Subject,
				"method", r.Method,
				"path", r.URL.Path,
			)
			writeDeny(w, r, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func requiredRoleFor(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleOperator
	}
}

func writeDeny(w http.ResponseWriter, r *http.Request, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      reason,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
