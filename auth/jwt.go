// Package auth guards the operator-facing debug endpoints cmd/phantom
// exposes (a snapshot of scheduler stats, proxy pool health). The core
// itself never requires authentication to do its job — the REST/UI
// layer lives outside this module; this exists only so the reference
// entrypoint can guard its debug routes, via golang-jwt/jwt/v5.
package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the operator issuing a debug-endpoint request.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

const issuer = "phantom-core"

func secret() []byte {
	s := os.Getenv("PHANTOM_JWT_SECRET")
	if len(s) < 32 {
		return []byte("insecure-default-secret-for-dev-mode-only-32b")
	}
	return []byte(s)
}

// IssueToken mints an operator token valid for ttl.
func IssueToken(role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

// ValidateToken parses and verifies a bearer token, returning its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret(), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
