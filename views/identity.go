package views

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arc-self/happen/event"
)

// IdentityFromBearerToken parses a bearer JWT presented by a peer
// authenticating over an HTTP bridge into an event.Identity, carrying its
// claims into EventContext.Identity (spec §9 "Dynamic property access on
// contexts... identity" becomes a typed envelope). Verification uses the
// supplied key function exactly like jwt.Parse's keyFunc — callers supply
// their own key resolution (static secret, JWKS lookup, etc).
func IdentityFromBearerToken(token string, keyFunc jwt.Keyfunc) (event.Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc)
	if err != nil {
		return event.Identity{}, fmt.Errorf("views: parse bearer token: %w", err)
	}
	if !parsed.Valid {
		return event.Identity{}, fmt.Errorf("views: bearer token invalid")
	}

	subject, _ := claims.GetSubject()
	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return event.Identity{Subject: subject, Claims: out}, nil
}
