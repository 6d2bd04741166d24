package auth

import (
	"context"
	"net/http"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// ContextKeyRole is the context key for storing the caller's role
const ContextKeyRole contextKey = "role"

// Credential is a bcrypt-hashed admin key and the role it grants.
type Credential struct {
	Hash string
	Role Role
}

// Authenticator checks admin requests against a plain admin key and hashed credentials.
type Authenticator struct {
	plainAdminKey string
	credentials   []Credential
}

// NewAuthenticator creates an Authenticator. Empty hashes are ignored.
func NewAuthenticator(plainAdminKey string, credentials ...Credential) *Authenticator {
	a := &Authenticator{plainAdminKey: plainAdminKey}
	for _, c := range credentials {
		if c.Hash != "" {
			a.credentials = append(a.credentials, c)
		}
	}
	return a
}

// AuthResult contains the result of an authentication attempt
type AuthResult struct {
	Authenticated bool
	Role          Role
	Error         string
}

// Authenticate authenticates a request using the Authorization header
func (a *Authenticator) Authenticate(authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return AuthResult{Error: "missing bearer token"}
	}

	if a.plainAdminKey != "" && VerifyAPIKeyConstantTime(token, a.plainAdminKey) {
		return AuthResult{Authenticated: true, Role: RoleAdmin}
	}

	// bcrypt hashes are salted, so each credential is checked in turn
	for _, c := range a.credentials {
		if VerifyAPIKey(token, c.Hash) {
			return AuthResult{Authenticated: true, Role: c.Role}
		}
	}
	return AuthResult{Error: "invalid token"}
}

// DenyFunc writes the response for a rejected request. status is 401 or 403.
type DenyFunc func(w http.ResponseWriter, r *http.Request, status int, reason string)

func plainDeny(w http.ResponseWriter, _ *http.Request, status int, reason string) {
	http.Error(w, reason, status)
}

// RequireAuth is a middleware that requires authentication
func (a *Authenticator) RequireAuth(requiredRole Role) func(http.Handler) http.Handler {
	return a.Require(requiredRole, nil)
}

// Require is RequireAuth with a custom rejection writer; nil selects plain text.
func (a *Authenticator) Require(requiredRole Role, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = plainDeny
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := a.Authenticate(r.Header.Get("Authorization"))
			if !result.Authenticated {
				deny(w, r, http.StatusUnauthorized, result.Error)
				return
			}
			if !HasPermission(result.Role, requiredRole) {
				// role is known, so the denial can be attributed
				ctx := context.WithValue(r.Context(), ContextKeyRole, result.Role)
				deny(w, r.WithContext(ctx), http.StatusForbidden, "insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyRole, result.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRoleFromContext extracts the role from the request context
func GetRoleFromContext(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(ContextKeyRole).(Role)
	return role, ok
}
