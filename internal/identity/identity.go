// Package identity wraps the external identity provider's REST API.
//
// The provider is a black box that owns credentials, sessions, and
// token issuance. This package exposes the handful of operations the
// rest of the module needs and normalizes provider rejections into
// sentinel errors.
package identity

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by the client.
var (
	// ErrNoUser indicates a provider response without a user payload.
	ErrNoUser = errors.New("identity.no_user")
	// ErrNotAuthenticated indicates no live provider session exists.
	ErrNotAuthenticated = errors.New("identity.not_authenticated")
	// ErrEmailNotConfirmed indicates the account exists but the email
	// address has not been confirmed yet.
	ErrEmailNotConfirmed = errors.New("identity.email_not_confirmed")
	// ErrExchangeFailed indicates the provider rejected a code or token.
	ErrExchangeFailed = errors.New("identity.exchange_failed")
	// ErrUnknownProvider indicates an unsupported OAuth provider name.
	ErrUnknownProvider = errors.New("identity.unknown_provider")
)

// EmailNotConfirmedMessage is the user-facing text attached to
// ErrEmailNotConfirmed by form flows.
const EmailNotConfirmedMessage = "Please confirm your email address before signing in. Check your inbox for the confirmation link."

// Assertion is the result of a successful provider exchange. It is
// ephemeral: produced per exchange and never persisted as-is.
type Assertion struct {
	UserID        string
	Email         string
	EmailVerified bool
	Metadata      map[string]any
	SessionToken  string
	RefreshToken  string
}

// HasSession reports whether the provider issued a session alongside
// the user record. Sign-up with pending email confirmation returns an
// assertion without a session.
func (assertion *Assertion) HasSession() bool {
	return assertion != nil && assertion.SessionToken != ""
}

// Service is the set of identity-provider operations the module
// depends on. The HTTP client implements it; tests substitute fakes.
type Service interface {
	ExchangeCodeForSession(ctx context.Context, code string) (*Assertion, error)
	GetCurrentUser(ctx context.Context, accessToken string) (*Assertion, error)
	SignInWithPassword(ctx context.Context, email string, password string) (*Assertion, error)
	SignUp(ctx context.Context, email string, password string, metadata map[string]any, redirectURL string) (*Assertion, error)
	SignInWithProvider(ctx context.Context, provider string, redirectURL string) (string, error)
	SignInWithIDToken(ctx context.Context, provider string, idToken string) (*Assertion, error)
	ResendConfirmation(ctx context.Context, email string, redirectURL string) error
	SignOut(ctx context.Context, accessToken string) error
}
