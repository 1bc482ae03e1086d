package flow

import (
	"context"
)

// SSOContext records the last provider hand-off.
type SSOContext struct {
	// AuthorizeURL is the provider authorize endpoint the caller must
	// navigate to; the flow completes later at the callback boundary.
	AuthorizeURL string
}

// SSOMachine drives the social sign-in trigger. Each provider gets its
// own tagged submitting state; the machine only hands off to the
// provider and never observes the redirect's completion itself.
type SSOMachine struct {
	*Machine[SSOContext]
}

// NewSSOMachine constructs an SSOMachine.
func NewSSOMachine(deps Deps, onSuccess func(Snapshot[SSOContext])) *SSOMachine {
	return &SSOMachine{Machine: NewMachine(Config[SSOContext]{
		Name:           "sso",
		InitialContext: func() SSOContext { return SSOContext{} },
		ProviderSignIn: func(ctx context.Context, provider string, formContext SSOContext) (string, error) {
			return deps.Identity.SignInWithProvider(ctx, provider, deps.callbackURL())
		},
		OnSuccess: onSuccess,
		Logger:    deps.Logger,
	})}
}

// SignInWith starts the hand-off for one provider and returns its
// authorize URL. The machine records the URL for observers.
func (machine *SSOMachine) SignInWith(ctx context.Context, provider string) (string, error) {
	authorizeURL, signInErr := machine.SignInWithProvider(ctx, provider)
	if signInErr != nil {
		return "", signInErr
	}
	machine.mutex.Lock()
	machine.formContext.AuthorizeURL = authorizeURL
	machine.mutex.Unlock()
	return authorizeURL, nil
}
