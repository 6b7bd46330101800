package audit

import (
	"net/http"
	"strings"

	"unionhall/internal/auth"
)

// Middleware derives the actor context from the connection and, when a guard
// already authenticated the request, from the principal. It runs inside the
// guard so the principal is visible.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := Meta{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		}
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			meta.UserID = principal.AccountID
			meta.Email = principal.Email
		}
		next.ServeHTTP(w, r.WithContext(WithMeta(r.Context(), meta)))
	})
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
