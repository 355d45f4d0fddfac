package session

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated-user view decoded from the access token.
// The client never verifies the signature (the secret lives server-side);
// the claims are bookkeeping data only and authorization stays with the
// backend.
type Identity struct {
	ID    string
	Roles []string
}

// Session holds the current token pair and derived identity. A zero value
// means logged out.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *Identity
}

// Authenticated reports whether the session carries a usable token pair.
func (s Session) Authenticated() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

type accessClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Role   string   `json:"role"`
	jwt.RegisteredClaims
}

// identityFromToken decodes claims without signature validation. A token the
// client cannot parse yields no identity, not an error: the token is opaque
// by contract and the backend remains the authority.
func identityFromToken(accessToken string) *Identity {
	if strings.TrimSpace(accessToken) == "" {
		return nil
	}
	claims := &accessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil
	}

	roles := claims.Roles
	if len(roles) == 0 && claims.Role != "" {
		roles = []string{claims.Role}
	}
	return &Identity{ID: id, Roles: roles}
}
