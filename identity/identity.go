// Package identity verifies bearer tokens issued by the enterprise
// identity provider and reduces them to a stable user identity. Tokens
// are validated per request and never persisted.
package identity

import (
	"fmt"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-identity-broker/internal/utils"
)

// Identity is the authenticated principal extracted from a valid token.
type Identity struct {
	// UserID is the stable user identifier. For provider tokens carrying
	// oid and tid claims it is "oid.tid", which stays constant across
	// token refreshes and scope changes; otherwise it falls back to sub.
	UserID string

	DisplayName string
	Email       string
	Scopes      []string
}

// identityFromClaims builds the Identity value from verified claims.
func identityFromClaims(claims jwtlib.MapClaims) (Identity, error) {
	oid, _ := claims["oid"].(string)
	tid, _ := claims["tid"].(string)
	sub, _ := claims["sub"].(string)

	var userID string
	switch {
	case oid != "" && tid != "":
		userID = fmt.Sprintf("%s.%s", oid, tid)
	case sub != "":
		userID = sub
	default:
		return Identity{}, fmt.Errorf("token carries neither oid/tid nor sub claims")
	}

	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	if email == "" {
		email, _ = claims["preferred_username"].(string)
	}

	return Identity{
		UserID:      userID,
		DisplayName: name,
		Email:       email,
		Scopes:      scopesFromClaims(claims),
	}, nil
}

// scopesFromClaims merges the scp claim (space-separated string) with the
// roles claim (string array); the provider uses both shapes.
func scopesFromClaims(claims jwtlib.MapClaims) []string {
	var scopes []string
	if scp, ok := claims["scp"].(string); ok && scp != "" {
		scopes = append(scopes, strings.Fields(scp)...)
	}
	if roles, ok := claims["roles"].([]any); ok {
		scopes = append(scopes, utils.ToStringSlice(roles)...)
	}
	return scopes
}
