// Package auth issues and validates the HMAC bearer tokens that guard the
// realtime endpoints.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lenslate/internal/lens"
)

// ErrInvalidToken covers every verification failure, expiry included.
var ErrInvalidToken = errors.New("invalid token")

const issuer = "lenslate"

// Claims carries the client identity inside the signed token.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Service signs and verifies bearer tokens with a shared HMAC secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	clock  lens.Clock
}

// New builds a Service. The ttl defaults to an hour when unset.
func New(secret string, ttl time.Duration, clock lens.Clock) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue signs a token for clientID and returns it alongside its expiry.
func (s *Service) Issue(clientID string) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a bearer token and returns its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
