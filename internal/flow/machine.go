// Package flow implements the form-driven authentication workflows as
// finite-state machines.
//
// Login, registration, and SSO trigger are structurally the same
// machine — idle, submitting, success, an orthogonal resend sub-flow,
// and provider-tagged submitting states — differing only in their
// field vocabulary and submit action. Machine is that shared core,
// parameterized by the form-context type; the concrete machines live
// in login.go, register.go, and sso.go.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateKind enumerates the mutually exclusive machine states.
type StateKind int

const (
	// StateIdle accepts field changes and submissions.
	StateIdle StateKind = iota
	// StateSubmitting has the main async operation in flight.
	StateSubmitting
	// StateSuccess is terminal for one submission; it auto-clears back
	// to idle after the configured delay.
	StateSuccess
	// StateResendingEmail has a resend-confirmation call in flight.
	StateResendingEmail
	// StateSigningInWithProvider has a provider redirect call in
	// flight; Snapshot.Provider names the provider.
	StateSigningInWithProvider
)

// String names the state for logs.
func (kind StateKind) String() string {
	switch kind {
	case StateSubmitting:
		return "submitting"
	case StateSuccess:
		return "success"
	case StateResendingEmail:
		return "resendingEmail"
	case StateSigningInWithProvider:
		return "signingInWithProvider"
	default:
		return "idle"
	}
}

// Sentinel errors returned by machine operations.
var (
	// ErrFlowBusy rejects an operation while another is in flight.
	ErrFlowBusy = errors.New("flow.busy")
	// ErrResendEmailRequired rejects a resend without an email address.
	ErrResendEmailRequired = errors.New("flow.resend.email_required")
)

// ValidationError is a client-side form guard failure. It never
// reaches the network; its message renders inline on the form.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (validationError *ValidationError) Error() string {
	return validationError.Message
}

// successClearDelay is how long the success state stays visible before
// the machine auto-clears back to idle. Navigation observers fire on
// entry to success, ahead of this window.
const successClearDelay = time.Second

// Snapshot is an observable copy of the machine's state.
type Snapshot[C any] struct {
	Kind     StateKind
	Provider string
	Context  C
	// Err is the inline form error, present only in idle.
	Err string
	// ResendSuccess and ResendErr describe the orthogonal resend
	// sub-flow's last outcome.
	ResendSuccess bool
	ResendErr     string
}

// Config wires a concrete machine's vocabulary into the shared core.
type Config[C any] struct {
	// Name labels the machine in logs.
	Name string
	// InitialContext produces a cleared form context.
	InitialContext func() C
	// Validate is the client-side guard run before Perform; a
	// *ValidationError return surfaces inline without a network call.
	Validate func(formContext C) error
	// Perform is the main submit action. It returns the updated form
	// context (e.g. with the auth response recorded).
	Perform func(ctx context.Context, formContext C) (C, error)
	// Resend is the optional resend-confirmation action.
	Resend func(ctx context.Context, formContext C) error
	// ResendEmail extracts the email address guarding the resend flow.
	ResendEmail func(formContext C) string
	// ProviderSignIn is the optional redirect-returning SSO action.
	ProviderSignIn func(ctx context.Context, provider string, formContext C) (string, error)
	// OnSuccess observes entry into the success state, before the
	// auto-clear window. It runs with the machine lock held and must not
	// call back into the machine. A disposed observer must be
	// tolerated, so the callback is invoked behind a recover.
	OnSuccess func(snapshot Snapshot[C])

	Logger *zap.Logger
}

// Machine is the generic async-submit state machine. At most one
// async operation is in flight per machine instance at any time.
type Machine[C any] struct {
	config Config[C]
	logger *zap.Logger

	mutex         sync.Mutex
	kind          StateKind
	provider      string
	formContext   C
	errMessage    string
	resendSuccess bool
	resendErr     string

	// afterFunc schedules the success auto-clear; tests replace it.
	afterFunc func(delay time.Duration, callback func())
}

// NewMachine constructs a Machine in the idle state.
func NewMachine[C any](config Config[C]) *Machine[C] {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	machine := &Machine[C]{
		config: config,
		logger: logger,
		kind:   StateIdle,
	}
	if config.InitialContext != nil {
		machine.formContext = config.InitialContext()
	}
	machine.afterFunc = func(delay time.Duration, callback func()) {
		time.AfterFunc(delay, callback)
	}
	return machine
}

// Snapshot returns an observable copy of the current state.
func (machine *Machine[C]) Snapshot() Snapshot[C] {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	return machine.snapshotLocked()
}

func (machine *Machine[C]) snapshotLocked() Snapshot[C] {
	return Snapshot[C]{
		Kind:          machine.kind,
		Provider:      machine.provider,
		Context:       machine.formContext,
		Err:           machine.errMessage,
		ResendSuccess: machine.resendSuccess,
		ResendErr:     machine.resendErr,
	}
}

// Update mutates the form context from the idle or success state,
// clearing the inline error and any resend outcome, mirroring a field
// change. Updates during an in-flight operation are ignored.
func (machine *Machine[C]) Update(mutate func(formContext *C)) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	if machine.kind != StateIdle && machine.kind != StateSuccess {
		return
	}
	mutate(&machine.formContext)
	machine.errMessage = ""
	machine.resendSuccess = false
	machine.resendErr = ""
}

// ClearResendSuccess drops the resend success notice.
func (machine *Machine[C]) ClearResendSuccess() {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	machine.resendSuccess = false
}

// Reset returns the machine to a cleared idle state.
func (machine *Machine[C]) Reset() {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	machine.resetLocked()
}

func (machine *Machine[C]) resetLocked() {
	machine.kind = StateIdle
	machine.provider = ""
	machine.errMessage = ""
	machine.resendSuccess = false
	machine.resendErr = ""
	if machine.config.InitialContext != nil {
		machine.formContext = machine.config.InitialContext()
	}
}

// Submit runs the validate-then-perform transition:
// idle → submitting → success, or back to idle with an inline error.
// A submit while any operation is in flight returns ErrFlowBusy.
func (machine *Machine[C]) Submit(ctx context.Context) error {
	machine.mutex.Lock()
	if machine.kind != StateIdle {
		machine.mutex.Unlock()
		return ErrFlowBusy
	}

	if machine.config.Validate != nil {
		if validateErr := machine.config.Validate(machine.formContext); validateErr != nil {
			machine.errMessage = validateErr.Error()
			machine.mutex.Unlock()
			return validateErr
		}
	}

	machine.kind = StateSubmitting
	machine.errMessage = ""
	currentContext := machine.formContext
	machine.mutex.Unlock()

	updatedContext, performErr := machine.config.Perform(ctx, currentContext)

	machine.mutex.Lock()
	if performErr != nil {
		machine.kind = StateIdle
		machine.errMessage = performErr.Error()
		machine.mutex.Unlock()
		return performErr
	}
	machine.formContext = updatedContext
	machine.enterSuccessLocked()
	machine.mutex.Unlock()
	return nil
}

// Resend runs the resend-confirmation sub-flow, reachable from idle
// and success. It is guarded on a non-empty trimmed email and rejects
// concurrent resends with ErrFlowBusy.
func (machine *Machine[C]) Resend(ctx context.Context) error {
	machine.mutex.Lock()
	if machine.kind != StateIdle && machine.kind != StateSuccess {
		machine.mutex.Unlock()
		return ErrFlowBusy
	}
	if machine.config.Resend == nil {
		machine.mutex.Unlock()
		return ErrResendEmailRequired
	}
	email := ""
	if machine.config.ResendEmail != nil {
		email = strings.TrimSpace(machine.config.ResendEmail(machine.formContext))
	}
	if email == "" {
		machine.resendErr = "Please enter your email address first"
		machine.mutex.Unlock()
		return ErrResendEmailRequired
	}

	machine.kind = StateResendingEmail
	machine.resendSuccess = false
	machine.resendErr = ""
	currentContext := machine.formContext
	machine.mutex.Unlock()

	resendErr := machine.config.Resend(ctx, currentContext)

	machine.mutex.Lock()
	machine.kind = StateIdle
	if resendErr != nil {
		machine.resendErr = resendErr.Error()
	} else {
		machine.resendSuccess = true
	}
	machine.mutex.Unlock()
	return resendErr
}

// SignInWithProvider runs the redirect-returning SSO transition and
// hands back the provider's authorize URL for the caller to navigate
// to. The machine's own success state is reached only because no real
// navigation happens inside this process; redirect completion is
// observed later by the callback boundary.
func (machine *Machine[C]) SignInWithProvider(ctx context.Context, provider string) (string, error) {
	machine.mutex.Lock()
	if machine.kind != StateIdle {
		machine.mutex.Unlock()
		return "", ErrFlowBusy
	}
	if machine.config.ProviderSignIn == nil {
		machine.mutex.Unlock()
		return "", fmt.Errorf("flow.%s: provider sign-in not configured", machine.config.Name)
	}
	machine.kind = StateSigningInWithProvider
	machine.provider = provider
	machine.errMessage = ""
	currentContext := machine.formContext
	machine.mutex.Unlock()

	authorizeURL, signInErr := machine.config.ProviderSignIn(ctx, provider, currentContext)

	machine.mutex.Lock()
	machine.provider = ""
	if signInErr != nil {
		machine.kind = StateIdle
		machine.errMessage = signInErr.Error()
		machine.mutex.Unlock()
		return "", signInErr
	}
	machine.enterSuccessLocked()
	machine.mutex.Unlock()
	return authorizeURL, nil
}

// enterSuccessLocked transitions to success, notifies the observer,
// and schedules the auto-clear back to idle. The observer may race
// with the auto-clear and may already be disposed; a panicking
// observer is contained.
func (machine *Machine[C]) enterSuccessLocked() {
	machine.kind = StateSuccess
	snapshot := machine.snapshotLocked()

	if machine.config.OnSuccess != nil {
		observer := machine.config.OnSuccess
		machineName := machine.config.Name
		logger := machine.logger
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Warn("success observer panicked",
						zap.String("code", "flow.observer_panic"),
						zap.String("machine", machineName),
						zap.Any("panic", recovered))
				}
			}()
			observer(snapshot)
		}()
	}

	machine.afterFunc(successClearDelay, func() {
		machine.mutex.Lock()
		defer machine.mutex.Unlock()
		if machine.kind != StateSuccess {
			return
		}
		machine.resetLocked()
	})
}
