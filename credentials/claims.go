package credentials

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims decodes the payload of a JWT access token. The signature is not verified.
func Claims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of token. ok is false when the token carries none.
func ExpiresAt(token string) (at time.Time, ok bool, err error) {
	claims, err := Claims(token)
	if err != nil {
		return time.Time{}, false, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}

// Expired reports whether token carries an exp claim at or before now.
func Expired(token string, now time.Time) bool {
	at, ok, err := ExpiresAt(token)
	if err != nil || !ok {
		return false
	}
	return !now.Before(at)
}
