package remote

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

// Claims carried by bearer tokens the dashboard mints for the remote service
// and that the local dashboard API accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 tokens for a fixed subject.
type TokenSource struct {
	Secret  string
	Subject string
	TTL     time.Duration
	Now     func() time.Time
}

func NewTokenSource(secret, subject string) *TokenSource {
	return &TokenSource{Secret: secret, Subject: subject, TTL: defaultTokenTTL}
}

func (s *TokenSource) Token() (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if s.Subject == "" {
		return "", errors.New("jwt subject not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issued := now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
			Issuer:    "boardline",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(token, secret string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}
