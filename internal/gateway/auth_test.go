package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	t.Parallel()

	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	token, err := auth.Issue("user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	userID, err := auth.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("Authenticate() user = %q, want %q", userID, "user-1")
	}
}

func TestAuthenticatorRejectsInvalidTokens(t *testing.T) {
	t.Parallel()

	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	other, err := NewAuthenticator("other-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	wrongKey, _ := other.Issue("user-1", time.Minute)
	expired, _ := auth.Issue("user-1", -time.Minute)
	noSubject, _ := auth.Issue("", time.Minute)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong key", token: wrongKey},
		{name: "expired", token: expired},
		{name: "no subject", token: noSubject},
		{name: "none algorithm", token: noneAlg},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := auth.Authenticate(tt.token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("Authenticate() error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthenticator("  "); err == nil {
		t.Fatal("NewAuthenticator() expected error for blank secret")
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	query := httptest.NewRequest("GET", "/ws?token=abc", nil)
	if got := tokenFromRequest(query); got != "abc" {
		t.Fatalf("tokenFromRequest(query) = %q, want %q", got, "abc")
	}

	header := httptest.NewRequest("GET", "/ws", nil)
	header.Header.Set("Authorization", "Bearer xyz")
	if got := tokenFromRequest(header); got != "xyz" {
		t.Fatalf("tokenFromRequest(header) = %q, want %q", got, "xyz")
	}

	missing := httptest.NewRequest("GET", "/ws", nil)
	if got := tokenFromRequest(missing); got != "" {
		t.Fatalf("tokenFromRequest(missing) = %q, want empty", got)
	}
}
