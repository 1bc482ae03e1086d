// Package bootstrap orchestrates callback classification, the
// provider exchange, and profile reconciliation into a single terminal
// outcome per redirect.
package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mprlab/authbridge/internal/callback"
	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
)

// Default redirect targets.
const (
	DefaultSuccessTarget = "/dashboard"
	FailureTarget        = "/login"
)

// Status is the terminal disposition of one callback invocation.
type Status int

const (
	// StatusFailure means authentication did not complete.
	StatusFailure Status = iota
	// StatusSuccess means the user is authenticated.
	StatusSuccess
)

// Outcome is the terminal result of handling one callback URL.
type Outcome struct {
	Status         Status
	RedirectTarget string
	// Message is user-facing: the success notice or the error text the
	// boundary attaches to the login redirect.
	Message string
	// User is the reconciled profile. It may be nil on success when
	// profile persistence failed; authentication authority is the
	// identity provider, not the profile store.
	User *profile.Profile
	// SessionToken is the provider session established by this
	// invocation, when one exists.
	SessionToken string
}

// Request carries one callback invocation's inputs.
type Request struct {
	// RawURL is the full redirect URL including query and fragment.
	RawURL string
	// Mode selects the reconciliation policy for this call site.
	Mode profile.Mode
	// AmbientAccessToken is the caller's existing provider session
	// token, if any. It backs the no-credential fallback for users who
	// revisit the callback URL while already signed in.
	AmbientAccessToken string
}

// Bootstrapper drives the callback-handling procedure. It is
// stateless across invocations; each HandleCallback performs at most
// one provider exchange and at most one profile write.
type Bootstrapper struct {
	identityService identity.Service
	reconciler      *profile.Reconciler
	logger          *zap.Logger
}

// New constructs a Bootstrapper. A nil logger is replaced with a no-op
// logger.
func New(identityService identity.Service, reconciler *profile.Reconciler, logger *zap.Logger) *Bootstrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{
		identityService: identityService,
		reconciler:      reconciler,
		logger:          logger,
	}
}

// HandleCallback classifies the redirect URL and walks it to a
// terminal outcome. Retries are the caller's concern via
// re-navigation; this procedure never retries internally.
func (bootstrapper *Bootstrapper) HandleCallback(ctx context.Context, request Request) Outcome {
	invocationID := uuid.NewString()
	classification := callback.Classify(request.RawURL)
	bootstrapper.logger.Info("callback classified",
		zap.String("code", "bootstrap.classified"),
		zap.String("invocation_id", invocationID),
		zap.String("kind", classification.Kind.String()),
		zap.String("mode", request.Mode.String()))

	switch classification.Kind {
	case callback.KindProviderError:
		return Outcome{
			Status:         StatusFailure,
			RedirectTarget: FailureTarget,
			Message:        classification.ErrorMessage,
		}

	case callback.KindAuthorizationCode:
		return bootstrapper.handleAuthorizationCode(ctx, invocationID, request, classification)

	case callback.KindImplicitToken:
		return bootstrapper.handleImplicitToken(ctx, invocationID, request, classification)

	default:
		return bootstrapper.handleNoCredential(ctx, invocationID, request, classification)
	}
}

func (bootstrapper *Bootstrapper) handleAuthorizationCode(ctx context.Context, invocationID string, request Request, classification callback.Classification) Outcome {
	assertion, exchangeErr := bootstrapper.identityService.ExchangeCodeForSession(ctx, classification.Code)
	if exchangeErr != nil {
		bootstrapper.logger.Warn("code exchange failed",
			zap.String("code", "bootstrap.exchange_failed"),
			zap.String("invocation_id", invocationID),
			zap.Error(exchangeErr))
		return Outcome{
			Status:         StatusFailure,
			RedirectTarget: FailureTarget,
			Message:        exchangeMessage(exchangeErr),
		}
	}
	if assertion == nil || assertion.UserID == "" {
		return Outcome{
			Status:         StatusFailure,
			RedirectTarget: FailureTarget,
			Message:        "No user data received",
		}
	}

	reconciled := bootstrapper.reconcile(ctx, invocationID, request.Mode, assertion, classification.Username)
	return Outcome{
		Status:         StatusSuccess,
		RedirectTarget: successTarget(classification.Next),
		Message:        "Authentication successful",
		User:           reconciled,
		SessionToken:   assertion.SessionToken,
	}
}

func (bootstrapper *Bootstrapper) handleImplicitToken(ctx context.Context, invocationID string, request Request, classification callback.Classification) Outcome {
	assertion, userErr := bootstrapper.identityService.GetCurrentUser(ctx, classification.AccessToken)
	if userErr != nil || assertion == nil || assertion.UserID == "" {
		bootstrapper.logger.Warn("implicit token authentication failed",
			zap.String("code", "bootstrap.token_auth_failed"),
			zap.String("invocation_id", invocationID),
			zap.Error(userErr))
		return Outcome{
			Status:         StatusFailure,
			RedirectTarget: FailureTarget,
			Message:        "Token authentication failed",
		}
	}

	reconciled := bootstrapper.reconcile(ctx, invocationID, profile.ModeCreateIfAbsent, assertion, classification.Username)
	return Outcome{
		Status:         StatusSuccess,
		RedirectTarget: successTarget(classification.Next),
		Message:        "Authentication successful",
		User:           reconciled,
		SessionToken:   assertion.SessionToken,
	}
}

func (bootstrapper *Bootstrapper) handleNoCredential(ctx context.Context, invocationID string, request Request, classification callback.Classification) Outcome {
	// Covers a signed-in user revisiting the callback URL.
	assertion, userErr := bootstrapper.identityService.GetCurrentUser(ctx, request.AmbientAccessToken)
	if userErr != nil || assertion == nil || assertion.UserID == "" {
		return Outcome{
			Status:         StatusFailure,
			RedirectTarget: FailureTarget,
			Message:        "No authentication parameters found. Please try again.",
		}
	}

	reconciled := bootstrapper.reconcile(ctx, invocationID, profile.ModeCreateIfAbsent, assertion, classification.Username)
	return Outcome{
		Status:         StatusSuccess,
		RedirectTarget: successTarget(classification.Next),
		Message:        "Already authenticated",
		User:           reconciled,
		SessionToken:   assertion.SessionToken,
	}
}

// reconcile performs the single profile write of an invocation.
// Failures are logged and swallowed: profile persistence never blocks
// a successful authentication outcome.
func (bootstrapper *Bootstrapper) reconcile(ctx context.Context, invocationID string, mode profile.Mode, assertion *identity.Assertion, explicitUsername string) *profile.Profile {
	reconciled, reconcileErr := bootstrapper.reconciler.Reconcile(ctx, mode, profile.Input{
		UserID:           assertion.UserID,
		Email:            assertion.Email,
		ExplicitUsername: explicitUsername,
		Metadata:         assertion.Metadata,
	})
	if reconcileErr != nil {
		bootstrapper.logger.Warn("profile reconciliation failed, continuing as authenticated",
			zap.String("code", "bootstrap.reconcile_failed"),
			zap.String("invocation_id", invocationID),
			zap.String("user_id", assertion.UserID),
			zap.Error(reconcileErr))
		return nil
	}
	return reconciled
}

func successTarget(next string) string {
	if strings.TrimSpace(next) == "" {
		return DefaultSuccessTarget
	}
	return next
}

func exchangeMessage(exchangeErr error) string {
	var providerError *identity.ProviderError
	if errors.As(exchangeErr, &providerError) && providerError.Message != "" {
		return providerError.Message
	}
	return "Authentication failed"
}
