package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/db"
)

func newTestService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	database, err := db.New(t.TempDir() + "/auth.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewWithTokenTTL(database.GetConn(), "test-secret", ttl)
}

func providerCode(err error) string {
	var pe *apperrors.ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func TestCreateAccountAndSignIn(t *testing.T) {
	s := newTestService(t, time.Hour)
	ctx := context.Background()

	created, err := s.CreateAccount(ctx, "  Ada@Example.com ", "secret1")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if created.UID == "" || created.Token == "" {
		t.Fatalf("Expected uid and token, got %+v", created)
	}

	signedIn, err := s.SignIn(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signedIn.UID != created.UID {
		t.Errorf("Expected uid %s, got %s", created.UID, signedIn.UID)
	}
	if time.Until(signedIn.Expiry) <= 0 {
		t.Errorf("Expected expiry in the future, got %v", signedIn.Expiry)
	}

	claims, err := s.ValidateToken(ctx, signedIn.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != created.UID {
		t.Errorf("Expected claims uid %s, got %s", created.UID, claims.UserID)
	}
}

func TestProviderErrorCodes(t *testing.T) {
	s := newTestService(t, time.Hour)
	ctx := context.Background()
	if _, err := s.CreateAccount(ctx, "ada@example.com", "secret1"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		code string
	}{
		{"duplicate email", func() error { _, err := s.CreateAccount(ctx, "ADA@example.com", "secret2"); return err }, apperrors.CodeEmailInUse},
		{"invalid email", func() error { _, err := s.CreateAccount(ctx, "not-an-email", "secret2"); return err }, apperrors.CodeInvalidEmail},
		{"weak password", func() error { _, err := s.CreateAccount(ctx, "b@example.com", "123"); return err }, apperrors.CodeWeakPassword},
		{"wrong password", func() error { _, err := s.SignIn(ctx, "ada@example.com", "nope"); return err }, apperrors.CodeWrongPassword},
		{"unknown user", func() error { _, err := s.SignIn(ctx, "who@example.com", "secret1"); return err }, apperrors.CodeUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if got := providerCode(err); got != tt.code {
				t.Errorf("Expected code %s, got %q (%v)", tt.code, got, err)
			}
		})
	}
}

func TestAuthMessagesFromProviderCodes(t *testing.T) {
	s := newTestService(t, time.Hour)
	ctx := context.Background()
	s.CreateAccount(ctx, "ada@example.com", "secret1")

	_, err := s.SignIn(ctx, "ada@example.com", "wrong")
	if got := apperrors.MapAuth(err).Message; got != apperrors.MessageWrongCredentials {
		t.Errorf("Expected %q, got %q", apperrors.MessageWrongCredentials, got)
	}

	_, err = s.CreateAccount(ctx, "ada@example.com", "secret1")
	if got := apperrors.MapAuth(err).Message; got != apperrors.MessageEmailInUse {
		t.Errorf("Expected %q, got %q", apperrors.MessageEmailInUse, got)
	}

	_, err = s.CreateAccount(ctx, "bad", "secret1")
	if got := apperrors.MapAuth(err).Message; got != apperrors.MessageGeneric {
		t.Errorf("Expected %q, got %q", apperrors.MessageGeneric, got)
	}
}

func TestRevokeInvalidatesToken(t *testing.T) {
	s := newTestService(t, time.Hour)
	ctx := context.Background()

	creds, err := s.CreateAccount(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if uid, err := s.Verify(ctx, creds.Token); err != nil || uid != creds.UID {
		t.Fatalf("Verify before revoke = (%q, %v), want (%q, nil)", uid, err, creds.UID)
	}

	if err := s.Revoke(ctx, creds.Token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := s.Revoke(ctx, creds.Token); err != nil {
		t.Fatalf("Second revoke failed: %v", err)
	}
	if _, err := s.ValidateToken(ctx, creds.Token); providerCode(err) != apperrors.CodeInvalidToken {
		t.Errorf("Expected revoked token to be rejected, got %v", err)
	}
	if _, err := s.Verify(ctx, creds.Token); providerCode(err) != apperrors.CodeInvalidToken {
		t.Errorf("Expected Verify to reject revoked token, got %v", err)
	}

	if err := s.Revoke(ctx, "garbage"); err != nil {
		t.Errorf("Revoking a malformed token should be ignored, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestService(t, time.Minute)
	ctx := context.Background()

	creds, err := s.CreateAccount(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.ValidateToken(ctx, creds.Token); providerCode(err) != apperrors.CodeInvalidToken {
		t.Errorf("Expected expired token to be rejected, got %v", err)
	}

	n, err := s.PurgeRevoked(ctx)
	if err != nil || n != 0 {
		t.Errorf("Expected nothing to purge, got %d, %v", n, err)
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	s := newTestService(t, time.Hour)
	other := NewWithTokenTTL(s.db, "other-secret", time.Hour)

	token, err := other.GenerateToken("u1", "a@b.c", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := s.ValidateToken(context.Background(), token); err == nil {
		t.Error("Expected token from another secret to be rejected")
	}
}
