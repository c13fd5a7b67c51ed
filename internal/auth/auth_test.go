package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, secret string) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      secret,
			TokenExpiry: time.Hour,
		}

		svc, err := NewAuthService(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")

		token, expiresAt, err := svc.IssueToken(" Alice@Uni.edu ")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if want := time.Unix(t0Unix, 0).Add(time.Hour); !expiresAt.Equal(want) {
			t.Errorf("Expected expiry %v, got %v", want, expiresAt)
		}

		identity, err := svc.GetIdentity(token)
		if err != nil {
			t.Fatalf("Failed to verify token: %v", err)
		}
		if identity != "alice@uni.edu" {
			t.Errorf("Expected identity alice@uni.edu, got %s", identity)
		}
	})

	t.Run("EmptyEmail", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		if _, _, err := svc.IssueToken("  "); err == nil {
			t.Error("Expected error for empty email")
		}
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t, "server-secret")
		token, _, err := svc.IssueToken("alice@uni.edu")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		if _, err := svc.GetIdentity(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
		}
	})

	t.Run("ForeignSecret", func(t *testing.T) {
		issuer, _ := createService(t, "other-secret")
		svc, _ := createService(t, "server-secret")

		token, _, err := issuer.IssueToken("mallory@uni.edu")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if _, err := svc.GetIdentity(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		for _, token := range []string{"", "abc", "a.b.c"} {
			if _, err := svc.GetIdentity(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken for %q, got %v", token, err)
			}
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		token, _, err := svc.IssueToken("alice@uni.edu")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		other, _, err := svc.IssueToken("alice@uni.edu")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}

		if err := svc.Revoke(token); err != nil {
			t.Fatalf("Failed to revoke: %v", err)
		}
		if _, err := svc.GetIdentity(token); !errors.Is(err, ErrRevoked) {
			t.Errorf("Expected ErrRevoked, got %v", err)
		}
		if _, err := svc.GetIdentity(other); err != nil {
			t.Errorf("Revoking one token must not affect another: %v", err)
		}
	})

	t.Run("ConfigValidation", func(t *testing.T) {
		if _, err := NewAuthService(context.Background(), Config{}); err == nil {
			t.Error("Expected error for empty secret")
		}
		cfg := Config{Secret: "x"}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cfg.TokenExpiry != DefaultTokenExpiry {
			t.Errorf("Expected default expiry, got %v", cfg.TokenExpiry)
		}
	})
}
