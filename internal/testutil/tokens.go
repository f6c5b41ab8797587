package testutil

import (
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/identity/jwt"
)

// TestJWTSecret signs every token minted by tests.
const TestJWTSecret = "integration-test-secret-0123456789"

// TestJWTIssuer is the issuer tests configure.
const TestJWTIssuer = "incident-engine-test"

// Authenticator returns the authenticator matching TestJWTSecret.
func Authenticator() *jwt.Authenticator {
	return jwt.NewAuthenticator(jwt.Config{
		SecretKey:           TestJWTSecret,
		Issuer:              TestJWTIssuer,
		AccessTokenDuration: time.Hour,
	})
}

// MintToken signs a token for subject with role.
func MintToken(t *testing.T, subject string, role domain.Role) string {
	t.Helper()
	token, err := Authenticator().GenerateToken(subject, role)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}
