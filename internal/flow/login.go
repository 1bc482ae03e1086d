package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
)

// Deps carries the collaborators shared by the concrete machines.
type Deps struct {
	Identity   identity.Service
	Reconciler *profile.Reconciler
	// SiteOrigin is the public origin used to build callback redirect
	// URLs handed to the identity provider, e.g. "https://app.example.com".
	SiteOrigin string
	Logger     *zap.Logger
}

func (deps Deps) callbackURL() string {
	return deps.SiteOrigin + "/auth/callback"
}

// LoginContext is the login form's field vocabulary plus the outcome
// of the last successful submission.
type LoginContext struct {
	Email        string
	Password     string
	ShowPassword bool

	// Filled by a successful submit.
	UserID       string
	SessionToken string
	User         *profile.Profile
}

// LoginMachine drives the email/password sign-in form, including the
// resend-confirmation sub-flow.
type LoginMachine struct {
	*Machine[LoginContext]
}

// NewLoginMachine constructs a LoginMachine.
func NewLoginMachine(deps Deps, onSuccess func(Snapshot[LoginContext])) *LoginMachine {
	return &LoginMachine{Machine: NewMachine(Config[LoginContext]{
		Name:           "login",
		InitialContext: func() LoginContext { return LoginContext{} },
		Validate:       validateLogin,
		Perform: func(ctx context.Context, formContext LoginContext) (LoginContext, error) {
			assertion, signInErr := deps.Identity.SignInWithPassword(ctx, formContext.Email, formContext.Password)
			if signInErr != nil {
				return formContext, signInErr
			}
			if assertion == nil || assertion.UserID == "" {
				return formContext, fmt.Errorf("flow.login: %w", identity.ErrNoUser)
			}
			formContext.UserID = assertion.UserID
			formContext.SessionToken = assertion.SessionToken
			formContext.User = reconcileQuietly(ctx, deps, profile.Input{
				UserID:   assertion.UserID,
				Email:    assertion.Email,
				Metadata: assertion.Metadata,
			})
			formContext.Password = ""
			return formContext, nil
		},
		Resend: func(ctx context.Context, formContext LoginContext) error {
			return deps.Identity.ResendConfirmation(ctx, formContext.Email, deps.callbackURL())
		},
		ResendEmail: func(formContext LoginContext) string { return formContext.Email },
		OnSuccess:   onSuccess,
		Logger:      deps.Logger,
	})}
}

func validateLogin(formContext LoginContext) error {
	if formContext.Email == "" {
		return &ValidationError{Message: "Email is required"}
	}
	if formContext.Password == "" {
		return &ValidationError{Message: "Password is required"}
	}
	return nil
}

// SetEmail records the email field.
func (machine *LoginMachine) SetEmail(email string) {
	machine.Update(func(formContext *LoginContext) { formContext.Email = email })
}

// SetPassword records the password field.
func (machine *LoginMachine) SetPassword(password string) {
	machine.Update(func(formContext *LoginContext) { formContext.Password = password })
}

// TogglePasswordVisibility flips the show-password flag. Unlike field
// edits it does not clear the inline error.
func (machine *LoginMachine) TogglePasswordVisibility() {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	machine.formContext.ShowPassword = !machine.formContext.ShowPassword
}

// reconcileQuietly runs profile reconciliation in create-if-absent
// mode, logging failures without surfacing them. Authentication
// authority stays with the identity provider.
func reconcileQuietly(ctx context.Context, deps Deps, input profile.Input) *profile.Profile {
	if deps.Reconciler == nil {
		return nil
	}
	reconciled, reconcileErr := deps.Reconciler.Reconcile(ctx, profile.ModeCreateIfAbsent, input)
	if reconcileErr != nil {
		logger := deps.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("profile reconciliation failed after sign-in",
			zap.String("code", "flow.reconcile_failed"),
			zap.String("user_id", input.UserID),
			zap.Error(reconcileErr))
		return nil
	}
	return reconciled
}
