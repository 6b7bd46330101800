package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	AccessCookieName  = "uh_access"
	RefreshCookieName = "uh_refresh"
)

// Guard validates access tokens at the request boundary and annotates the
// request context with the resulting principal. It never logs or audits;
// side effects beyond the context belong to handlers.
type Guard struct {
	tokens *TokenService
}

func NewGuard(tokens *TokenService) *Guard {
	return &Guard{tokens: tokens}
}

// Require rejects the request unless a valid access token is presented via
// the Authorization header or, failing that, the access cookie. Expired and
// malformed tokens are both 401s; only the error detail differs.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, unauthenticatedDetail(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Optional annotates the context when a valid token is present and passes
// the request through without a principal otherwise.
func (g *Guard) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, err := g.authenticate(r); err == nil {
			r = r.WithContext(WithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles admits principals holding any of the given roles. The super
// role always passes.
func (g *Guard) RequireRoles(anyOf ...string) func(http.Handler) http.Handler {
	return g.authorize(func(p *Principal) bool {
		if holdsRole(p.Roles, SuperRole) {
			return true
		}
		for _, want := range anyOf {
			if holdsRole(p.Roles, want) {
				return true
			}
		}
		return false
	})
}

// RequireAllRoles admits principals holding every one of the given roles.
// The super role always passes.
func (g *Guard) RequireAllRoles(all ...string) func(http.Handler) http.Handler {
	return g.authorize(func(p *Principal) bool {
		if holdsRole(p.Roles, SuperRole) {
			return true
		}
		for _, want := range all {
			if !holdsRole(p.Roles, want) {
				return false
			}
		}
		return true
	})
}

// RequirePermissions admits principals whose permission set satisfies every
// listed permission string. The super role always passes.
func (g *Guard) RequirePermissions(required ...string) func(http.Handler) http.Handler {
	return g.authorize(func(p *Principal) bool {
		if holdsRole(p.Roles, SuperRole) {
			return true
		}
		return HasAll(required, p.Permissions)
	})
}

func (g *Guard) authorize(allowed func(*Principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := PrincipalFromContext(r.Context())
			if !allowed(principal) {
				writeError(w, http.StatusForbidden, ErrPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func (g *Guard) authenticate(r *http.Request) (*Principal, error) {
	token, ok := extractToken(r)
	if !ok {
		return nil, errors.New("missing token")
	}

	claims, err := g.tokens.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrTokenInvalid
	}

	return &Principal{
		AccountID:   claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		TokenID:     claims.ID,
	}, nil
}

// extractToken prefers the Authorization header over the cookie so API
// clients and browsers can coexist.
func extractToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token := strings.TrimSpace(parts[1])
			if token != "" {
				return token, true
			}
		}
		return "", false
	}

	cookie, err := r.Cookie(AccessCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func unauthenticatedDetail(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid token"
	default:
		return "missing authorization token"
	}
}
