package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSecret signals the verifier was built without a signing key.
	ErrMissingSecret = errors.New("auth: missing jwt secret")
	// ErrInvalidToken signals a token that failed parsing or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service verifies bearer tokens minted by the external identity provider.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a token service using an HMAC secret.
func NewService(jwtSecret string) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}, nil
}

// WithClock overrides the clock used for issued-at and expiry claims.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// VerifyToken validates a JWT token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	return Actor{ID: userID, Role: role}, nil
}

// IssueToken signs a token for the actor. Production tokens come from the
// identity provider; this exists for local tooling and tests.
func (s *Service) IssueToken(actor Actor, ttl time.Duration) (string, error) {
	if !isValidRole(actor.Role) {
		return "", fmt.Errorf("auth: invalid role %q", actor.Role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": actor.ID,
		"role":    string(actor.Role),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
