// Package auth validates viewer tokens against a remote JWKS endpoint.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	expectedAudience = "termstream-host"
	expectedIssuer   = "termstream"
)

// Claims are the JWT claims a viewer presents. Host scopes a token to one
// host instance.
type Claims struct {
	jwt.RegisteredClaims
	Host string `json:"host"`
}

// JWTValidator validates viewer JWTs using keys fetched from a JWKS
// endpoint. The keyfunc refreshes keys in the background.
type JWTValidator struct {
	jwks   keyfunc.Keyfunc
	hostID string
}

// NewJWTValidator fetches the initial key set from jwksURL. Tokens are
// accepted only when scoped to hostID.
func NewJWTValidator(jwksURL, hostID string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{jwks: k, hostID: hostID}, nil
}

// Validate checks signature, expiry, issuer, audience and host scope.
func (v *JWTValidator) Validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return fmt.Errorf("invalid claims type")
	}
	if claims.Host != v.hostID {
		return fmt.Errorf("token scoped to host %q, not %q", claims.Host, v.hostID)
	}
	return nil
}
