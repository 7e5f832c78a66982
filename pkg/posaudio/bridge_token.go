package posaudio

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	BridgeTokenSubject = "posaudio"
	BridgeTokenExpiry  = 10 * time.Minute
	bridgeSecretMinLen = 16
)

// BridgeToken is a signed bridge credential and its expiry.
type BridgeToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *BridgeToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime at now, never negative.
func (t *BridgeToken) TTL(now time.Time) time.Duration {
	ttl := t.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ValidateBridgeSecret rejects secrets too short to sign with.
func ValidateBridgeSecret(secret string) error {
	if len(secret) < bridgeSecretMinLen {
		return NewAuthError("bridge secret too short").
			WithOp("validate_secret").
			AddDetail("min_length", bridgeSecretMinLen)
	}
	return nil
}

// MintBridgeToken signs an HS256 token for the host bridge, issued at now.
func MintBridgeToken(secret string, now time.Time) (*BridgeToken, error) {
	if err := ValidateBridgeSecret(secret); err != nil {
		return nil, err
	}
	expiresAt := now.Add(BridgeTokenExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   BridgeTokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return nil, NewAuthError("signing bridge token failed").WithCause(err).WithOp("mint_token")
	}
	return &BridgeToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// ParseBridgeToken verifies token against secret and returns its claims.
// Bridge shims and tests use it to authenticate the engine.
func ParseBridgeToken(token, secret string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, NewAuthError("unexpected signing method").AddDetail("alg", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, NewAuthError("invalid bridge token").WithCause(err).WithOp("parse_token")
	}
	if !parsed.Valid {
		return nil, NewAuthError("invalid bridge token").WithOp("parse_token")
	}
	if claims.Subject != BridgeTokenSubject {
		return nil, NewAuthError("unexpected token subject").
			WithOp("parse_token").
			AddDetail("subject", claims.Subject)
	}
	return claims, nil
}
