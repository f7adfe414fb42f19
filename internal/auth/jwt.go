package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "typ" claim. Only access tokens are accepted at
// the gateway and on protected routes; refresh tokens are accepted solely by
// the refresh endpoint.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims holds the JWT claims for both principal kinds. Kind tells the
// resolver which table the subject lives in.
type Claims struct {
	Kind      Kind   `json:"kind"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// NewToken creates a signed HS256 token for the given subject. The issuer is
// embedded in the token and must be verified during validation.
func NewToken(subject uuid.UUID, kind Kind, tokenType, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("JWT issuer must not be empty")
	}

	now := time.Now()
	claims := Claims{
		Kind:      kind,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a token string, enforcing HMAC signing
// method, issuer claim, and the expected token type.
func ValidateToken(tokenStr, tokenType, secret, issuer string) (*Claims, error) {
	if issuer == "" {
		return nil, fmt.Errorf("JWT issuer must not be empty")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("unexpected token type %q", claims.TokenType)
	}
	if claims.Kind != KindVisitor && claims.Kind != KindStaff {
		return nil, fmt.Errorf("unknown principal kind %q", claims.Kind)
	}

	return claims, nil
}
