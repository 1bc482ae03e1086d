package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode selects the reconciliation policy.
//
// The two policies intentionally diverge: under ModeCreateIfAbsent an
// SSO user's provider metadata never rewrites the profile after first
// login, while ModeUpsert (the authoritative redirect handler)
// overwrites email and username on every callback. Call sites pass the
// mode explicitly rather than the reconciler inferring it.
type Mode int

const (
	// ModeCreateIfAbsent returns an existing profile unchanged and
	// inserts only when none exists.
	ModeCreateIfAbsent Mode = iota
	// ModeUpsert overwrites email and username with id as the
	// conflict key. Duplicate calls are idempotent no-ops on the data.
	ModeUpsert
)

// String names the mode for logs.
func (mode Mode) String() string {
	if mode == ModeUpsert {
		return "upsert"
	}
	return "create_if_absent"
}

// Input carries the identity signals a reconciliation derives from.
type Input struct {
	UserID string
	Email  string
	// ExplicitUsername is a username carried through the flow, e.g. a
	// redirect parameter. Already URL-decoded; trimmed here.
	ExplicitUsername string
	// Metadata is the provider-asserted user metadata.
	Metadata map[string]any
}

// Reconciler performs idempotent profile writes against the Store.
type Reconciler struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler constructs a Reconciler. A nil logger is replaced with
// a no-op logger.
func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile writes the profile for the asserted identity under the
// given mode and returns the resulting row.
//
// A lost insert race under ModeCreateIfAbsent is success: the
// now-existing row is returned, or a minimal {ID} stub when it cannot
// be re-read. Permission rejections surface as
// ErrProfilePermissionDenied so callers can log remediation guidance,
// but callers must not fail the authentication outcome on them.
func (reconciler *Reconciler) Reconcile(ctx context.Context, mode Mode, input Input) (*Profile, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("profile.reconcile: %w", errEmptyUserID)
	}

	record := Profile{
		ID:        input.UserID,
		Email:     input.Email,
		Username:  DeriveUsername(input.ExplicitUsername, input.Email, input.Metadata),
		CreatedAt: reconciler.now(),
	}

	switch mode {
	case ModeUpsert:
		written, err := reconciler.store.Upsert(ctx, record)
		if err != nil {
			return nil, reconciler.writeError("upsert", input.UserID, err)
		}
		return written, nil
	default:
		existing, getErr := reconciler.store.Get(ctx, input.UserID)
		if getErr == nil {
			return existing, nil
		}
		if !errors.Is(getErr, ErrProfileNotFound) {
			return nil, fmt.Errorf("profile.reconcile.lookup: %w", getErr)
		}
		written, insertErr := reconciler.store.Insert(ctx, record)
		if insertErr == nil {
			return written, nil
		}
		if errors.Is(insertErr, ErrProfileConflict) {
			// Lost the race with a concurrent writer; the row exists now.
			if rereadProfile, rereadErr := reconciler.store.Get(ctx, input.UserID); rereadErr == nil {
				return rereadProfile, nil
			}
			return &Profile{ID: input.UserID}, nil
		}
		return nil, reconciler.writeError("insert", input.UserID, insertErr)
	}
}

func (reconciler *Reconciler) writeError(operation string, userID string, err error) error {
	if errors.Is(err, ErrProfilePermissionDenied) {
		reconciler.logger.Warn("profile write rejected by store policy",
			zap.String("code", "profile.reconcile.permission_denied"),
			zap.String("op", operation),
			zap.String("user_id", userID),
			zap.String("remediation", "grant the authenticated role write access to the user_profiles table"))
		return fmt.Errorf("profile.reconcile.%s: %w", operation, ErrProfilePermissionDenied)
	}
	return fmt.Errorf("profile.reconcile.%s: %w", operation, err)
}

var errEmptyUserID = errors.New("profile.reconcile.empty_user_id")

// Metadata keys consulted by DeriveUsername, in order.
var metadataUsernameKeys = []string{"username", "user_name", "preferred_username"}
var metadataNameKeys = []string{"full_name", "name"}

// DeriveUsername derives the canonical username from the available
// identity signals. First match wins: explicit username, metadata
// username fields, the first token of a name field lower-cased, and
// finally the local part of the email address.
func DeriveUsername(explicitUsername string, email string, metadata map[string]any) string {
	if trimmed := strings.TrimSpace(explicitUsername); trimmed != "" {
		return trimmed
	}
	for _, key := range metadataUsernameKeys {
		if value := metadataString(metadata, key); value != "" {
			return value
		}
	}
	for _, key := range metadataNameKeys {
		if value := metadataString(metadata, key); value != "" {
			return strings.ToLower(strings.Fields(value)[0])
		}
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
