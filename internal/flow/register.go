package flow

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
)

// RegisterContext is the registration form's field vocabulary plus the
// outcome of the last successful submission.
type RegisterContext struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	ShowPassword    bool

	// Filled by a successful submit.
	UserID       string
	SessionToken string
	User         *profile.Profile
	// ConfirmationPending is set when the provider accepted the account
	// but issued no session; the user must follow the emailed link.
	ConfirmationPending bool
}

// RegisterMachine drives the account-creation form. All field checks
// run before any network call.
type RegisterMachine struct {
	*Machine[RegisterContext]
}

// NewRegisterMachine constructs a RegisterMachine.
func NewRegisterMachine(deps Deps, onSuccess func(Snapshot[RegisterContext])) *RegisterMachine {
	return &RegisterMachine{Machine: NewMachine(Config[RegisterContext]{
		Name:           "register",
		InitialContext: func() RegisterContext { return RegisterContext{} },
		Validate:       validateRegistration,
		Perform: func(ctx context.Context, formContext RegisterContext) (RegisterContext, error) {
			// The chosen username rides along on the confirmation redirect
			// so the callback boundary can reconcile with it even when the
			// session is only established after email confirmation.
			redirectURL := deps.callbackURL() + "?username=" + url.QueryEscape(formContext.Username)
			assertion, signUpErr := deps.Identity.SignUp(ctx, formContext.Email, formContext.Password,
				map[string]any{"username": formContext.Username}, redirectURL)
			if signUpErr != nil {
				return formContext, signUpErr
			}
			if assertion == nil || assertion.UserID == "" {
				return formContext, fmt.Errorf("flow.register: %w", identity.ErrNoUser)
			}
			formContext.UserID = assertion.UserID
			formContext.SessionToken = assertion.SessionToken
			formContext.ConfirmationPending = !assertion.HasSession()
			if assertion.HasSession() {
				formContext.User = reconcileQuietly(ctx, deps, profile.Input{
					UserID:           assertion.UserID,
					Email:            assertion.Email,
					ExplicitUsername: formContext.Username,
					Metadata:         assertion.Metadata,
				})
			}
			formContext.Password = ""
			formContext.ConfirmPassword = ""
			return formContext, nil
		},
		Resend: func(ctx context.Context, formContext RegisterContext) error {
			return deps.Identity.ResendConfirmation(ctx, formContext.Email, deps.callbackURL())
		},
		ResendEmail: func(formContext RegisterContext) string { return formContext.Email },
		OnSuccess:   onSuccess,
		Logger:      deps.Logger,
	})}
}

func validateRegistration(formContext RegisterContext) error {
	if formContext.Username == "" {
		return &ValidationError{Message: "Username is required"}
	}
	if formContext.Email == "" {
		return &ValidationError{Message: "Email is required"}
	}
	if len(formContext.Password) <= 6 {
		return &ValidationError{Message: "Password must be at least 7 characters long"}
	}
	if formContext.Password != formContext.ConfirmPassword {
		return &ValidationError{Message: "Passwords do not match"}
	}
	return nil
}

// SetUsername records the username field.
func (machine *RegisterMachine) SetUsername(username string) {
	machine.Update(func(formContext *RegisterContext) { formContext.Username = username })
}

// SetEmail records the email field.
func (machine *RegisterMachine) SetEmail(email string) {
	machine.Update(func(formContext *RegisterContext) { formContext.Email = email })
}

// SetPassword records the password field.
func (machine *RegisterMachine) SetPassword(password string) {
	machine.Update(func(formContext *RegisterContext) { formContext.Password = password })
}

// SetConfirmPassword records the confirm-password field.
func (machine *RegisterMachine) SetConfirmPassword(confirmPassword string) {
	machine.Update(func(formContext *RegisterContext) { formContext.ConfirmPassword = confirmPassword })
}

// TogglePasswordVisibility flips the show-password flag without
// clearing the inline error.
func (machine *RegisterMachine) TogglePasswordVisibility() {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	machine.formContext.ShowPassword = !machine.formContext.ShowPassword
}
