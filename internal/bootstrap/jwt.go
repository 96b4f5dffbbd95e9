package bootstrap

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set a production bearer token carries, adapted
// from teranos-QNTX/auth/jwt.go's JWTClaims to the bootstrap domain (a
// player identity rather than a device/session pair).
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// JWTValidator validates signed bearer tokens via HS256, following
// teranos-QNTX/auth/jwt.go's ValidateToken shape.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a JWTValidator over an HMAC secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(_ context.Context, authorizationHeader string) (string, error) {
	if authorizationHeader == "" {
		return "", ErrAuthorizationTokenMissing
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return "", ErrAuthorizationTokenInvalidFormat
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, prefix))
	if raw == "" {
		return "", ErrAuthorizationTokenEmpty
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrAuthorizationTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", ErrAuthorizationTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrAuthorizationTokenInvalid
	}
	return claims.UserID, nil
}
