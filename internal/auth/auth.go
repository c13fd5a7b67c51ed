package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	issuer             = "nexum"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// Claims carried by a bearer token. The subject is the user's e-mail.
type Claims struct {
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

// AuthService issues and verifies HMAC signed bearer tokens.
type AuthService struct {
	Config
	secret []byte
	// Token IDs revoked before their expiry.
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:  config,
		secret:  []byte(config.Secret),
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// IssueToken returns a token identifying email and its expiry time.
func (as *AuthService) IssueToken(email string) (string, time.Time, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", time.Time{}, errors.New("email is required")
	}

	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetIdentity verifies token and returns the e-mail it was issued for.
func (as *AuthService) GetIdentity(token string) (string, error) {
	claims, err := as.parse(token)
	if err != nil {
		return "", err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return "", ErrRevoked
	}
	return claims.Subject, nil
}

// Revoke invalidates token before it expires.
func (as *AuthService) Revoke(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, struct{}{})
	return nil
}
