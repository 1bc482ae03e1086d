package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL,
		AnonKey:    "anon-key",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestExchangeCodeForSession(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/auth/v1/token" || request.URL.Query().Get("grant_type") != "pkce" {
			t.Errorf("unexpected request: %s %s", request.Method, request.URL)
		}
		var payload map[string]string
		_ = json.NewDecoder(request.Body).Decode(&payload)
		if payload["auth_code"] != "abc123" {
			t.Errorf("expected auth_code abc123, got %q", payload["auth_code"])
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"access_token":  "session-token",
			"refresh_token": "refresh-token",
			"user": map[string]any{
				"id":                 "user-1",
				"email":              "ada@example.com",
				"email_confirmed_at": "2026-01-01T00:00:00Z",
				"user_metadata":      map[string]any{"full_name": "Ada Lovelace"},
			},
		})
	})

	assertion, err := client.ExchangeCodeForSession(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if assertion.UserID != "user-1" || assertion.SessionToken != "session-token" {
		t.Fatalf("unexpected assertion: %+v", assertion)
	}
	if !assertion.EmailVerified {
		t.Fatalf("expected verified email")
	}
	if assertion.Metadata["full_name"] != "Ada Lovelace" {
		t.Fatalf("expected metadata to carry full_name")
	}
}

func TestExchangeCodeForSessionRejection(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(writer).Encode(map[string]string{"error_description": "invalid flow state"})
	})

	_, err := client.ExchangeCodeForSession(context.Background(), "stale")
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed, got %v", err)
	}
	var providerError *ProviderError
	if !errors.As(err, &providerError) || providerError.Message != "invalid flow state" {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestGetCurrentUserWithoutToken(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		t.Errorf("no request expected")
	})
	if _, err := client.GetCurrentUser(context.Background(), "  "); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestGetCurrentUserSendsBearer(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer access-token" {
			t.Errorf("expected bearer token, got %q", request.Header.Get("Authorization"))
		}
		if request.Header.Get("apikey") != "anon-key" {
			t.Errorf("expected apikey header")
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{"id": "user-9", "email": "u@example.com"})
	})

	assertion, err := client.GetCurrentUser(context.Background(), "access-token")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if assertion.UserID != "user-9" || assertion.SessionToken != "access-token" {
		t.Fatalf("unexpected assertion: %+v", assertion)
	}
}

func TestSignInWithPasswordEmailNotConfirmed(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(writer).Encode(map[string]string{"msg": "Email not confirmed"})
	})

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret-pass")
	if !errors.Is(err, ErrEmailNotConfirmed) {
		t.Fatalf("expected ErrEmailNotConfirmed, got %v", err)
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if got := request.URL.Query().Get("redirect_to"); got != "https://app.example.com/dashboard" {
			t.Errorf("unexpected redirect_to %q", got)
		}
		// No session: confirmation pending, bare user object.
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"id":            "user-2",
			"email":         "new@example.com",
			"user_metadata": map[string]any{"username": "newbie"},
		})
	})

	assertion, err := client.SignUp(context.Background(), "new@example.com", "longenough", map[string]any{"username": "newbie"}, "https://app.example.com/dashboard")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if assertion.HasSession() {
		t.Fatalf("expected no session while confirmation pending")
	}
	if assertion.UserID != "user-2" {
		t.Fatalf("unexpected assertion: %+v", assertion)
	}
}

func TestSignInWithProviderBuildsAuthorizeURL(t *testing.T) {
	t.Parallel()
	client, server := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		t.Errorf("authorize URL must be built locally")
	})

	authorize, err := client.SignInWithProvider(context.Background(), "GitHub", "https://app.example.com/auth/callback")
	if err != nil {
		t.Fatalf("sign in with provider: %v", err)
	}
	parsed, parseErr := url.Parse(authorize)
	if parseErr != nil {
		t.Fatalf("parse authorize url: %v", parseErr)
	}
	if !strings.HasPrefix(authorize, server.URL+"/auth/v1/authorize") {
		t.Fatalf("unexpected authorize url %q", authorize)
	}
	if parsed.Query().Get("provider") != "github" {
		t.Fatalf("expected normalized provider, got %q", parsed.Query().Get("provider"))
	}
	if parsed.Query().Get("redirect_to") != "https://app.example.com/auth/callback" {
		t.Fatalf("expected redirect_to, got %q", parsed.Query().Get("redirect_to"))
	}
}

func TestSignInWithProviderRejectsUnknown(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {})
	if _, err := client.SignInWithProvider(context.Background(), "myspace", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestResendConfirmation(t *testing.T) {
	var seenType string
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(request.Body).Decode(&payload)
		seenType = payload["type"]
		writer.WriteHeader(http.StatusOK)
	})

	if err := client.ResendConfirmation(context.Background(), "ada@example.com", "https://app.example.com/auth/callback"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if seenType != "signup" {
		t.Fatalf("expected signup resend type, got %q", seenType)
	}
}

func TestSignOutPropagatesRejection(t *testing.T) {
	client, _ := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
	})
	if err := client.SignOut(context.Background(), "stale-token"); err == nil {
		t.Fatalf("expected error from sign out")
	}
}
