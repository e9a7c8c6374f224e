package utils // package utils provides helpers for operator tokens, claim secrets and codes

import (
	"time" // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// RoleOperator is the role required by the operator API.
const RoleOperator = "OPERATOR"

// AccessToken represents a signed JWT access token along with its expiry.
// Operator tokens are issued outside the request path (cmd/optoken) and
// sent in the Authorization header when calling /v1/admin endpoints.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewAccessToken builds and signs an HS256 JWT for an operator.  The JWT
// carries the standard claims subject (sub), role, expiration (exp) and
// issued at (iat).
func NewAccessToken(secret, subject, role string, ttlMin int) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
