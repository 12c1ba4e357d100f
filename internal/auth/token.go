// Package auth finds the user's bearer token and keeps an eye on it.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: no token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Source says where to look for the token, in order: an explicit value (from
// a flag), an environment variable, then a file.
type Source struct {
	Token string
	Env   string
	File  string
}

// Resolve returns the first non-empty token. Surrounding whitespace is trimmed.
func (s Source) Resolve() (string, error) {
	if tok := strings.TrimSpace(s.Token); tok != "" {
		return tok, nil
	}
	if s.Env != "" {
		if tok := strings.TrimSpace(os.Getenv(s.Env)); tok != "" {
			return tok, nil
		}
	}
	if s.File != "" {
		data, err := os.ReadFile(s.File)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("auth: read %s: %w", s.File, err)
		}
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}
	return "", ErrNoToken
}

// Expiry reads the exp claim of a JWT without verifying its signature. The
// server does that; the client only wants to know when to stop. Opaque tokens
// and tokens without exp report ok=false.
func Expiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Check returns ErrTokenExpired when token is a JWT whose exp is not after now.
func Check(token string, now time.Time) error {
	if token == "" {
		return ErrNoToken
	}
	exp, ok := Expiry(token)
	if ok && !now.Before(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
