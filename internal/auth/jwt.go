package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DevClaims are the claims of tokens minted by the development broker.
type DevClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs an HS256 token for username, valid for ttl.
func Mint(secret []byte, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DevClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    "buildsync-devbus",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token minted with the same secret.
func Verify(secret []byte, tokenString string) (*DevClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DevClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	if claims, ok := token.Claims.(*DevClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("auth: invalid token")
}
