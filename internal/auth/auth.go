// Package auth resolves the caller of an HTTP request from a static bearer
// token table. It never rejects a request itself: an unknown or missing
// token yields an anonymous caller, and handlers decide what anonymous
// callers may do.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller stored by [Middleware]. ok is false for an
// anonymous caller.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	return token, token != ""
}

// Tokens is an immutable token table.
type Tokens struct {
	// Keyed by SHA-256 so lookups compare fixed-size digests.
	users map[[sha256.Size]byte]string
}

// NewTokens builds a table from token → user id pairs. Empty tokens or
// user ids are skipped.
func NewTokens(table map[string]string) *Tokens {
	t := &Tokens{users: make(map[[sha256.Size]byte]string, len(table))}
	for token, user := range table {
		if token == "" || user == "" {
			continue
		}
		t.users[sha256.Sum256([]byte(token))] = user
	}
	return t
}

// Len returns the number of accepted tokens.
func (t *Tokens) Len() int { return len(t.users) }

// Lookup resolves token to an identity.
func (t *Tokens) Lookup(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	sum := sha256.Sum256([]byte(token))
	for k, user := range t.users {
		if subtle.ConstantTimeCompare(k[:], sum[:]) == 1 {
			return Identity{UserID: user}, true
		}
	}
	return Identity{}, false
}

// Middleware attaches the resolved [Identity] to the request context.
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := ParseBearer(r); ok {
				if id, ok := tokens.Lookup(token); ok {
					r = r.WithContext(WithIdentity(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
