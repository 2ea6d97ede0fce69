// Package auth implements the demo token service: HS256 bearer tokens issued
// against a static credential pair, verification, and refresh with a grace
// window for recently expired tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshGrace is how long after expiry a token may still be refreshed.
// Signature failures are hard-rejected regardless.
const RefreshGrace = 24 * time.Hour

var (
	// ErrInvalidCredentials is returned for a bad username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for tokens that fail signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned by Verify for expired tokens and by
	// Refresh for tokens past the grace window.
	ErrTokenExpired = errors.New("token expired")
)

// Config parameterizes the service.
type Config struct {
	Secret   []byte
	Lifetime time.Duration
	Username string
	Password string
}

// Service issues and verifies bearer tokens.
type Service struct {
	cfg Config
	now func() time.Time
}

// New creates a token service. Lifetime must be positive.
func New(cfg Config) *Service {
	return &Service{cfg: cfg, now: time.Now}
}

// Login checks the static demo credentials and issues a token.
func (s *Service) Login(username, password string) (string, time.Time, error) {
	if username != s.cfg.Username || password != s.cfg.Password {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.issue(username)
}

func (s *Service) issue(subject string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.Lifetime)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken validates signature and expiry, returning the principal.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if claims.ExpiresAt == nil || s.now().After(claims.ExpiresAt.Time) {
		return "", ErrTokenExpired
	}
	return claims.Subject, nil
}

// Expiry returns the principal and expiry time of a valid token.
func (s *Service) Expiry(tokenString string) (string, time.Time, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.ExpiresAt == nil || s.now().After(claims.ExpiresAt.Time) {
		return "", time.Time{}, ErrTokenExpired
	}
	return claims.Subject, claims.ExpiresAt.Time, nil
}

// Refresh issues a fresh token for one whose signature is valid and whose
// expiry is either in the future or within the grace window.
func (s *Service) Refresh(tokenString string) (string, time.Time, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if s.now().After(claims.ExpiresAt.Time.Add(RefreshGrace)) {
		return "", time.Time{}, ErrTokenExpired
	}
	return s.issue(claims.Subject)
}

// parse checks the signature only; expiry is the caller's concern so that
// Refresh can accept recently expired tokens.
func (s *Service) parse(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
