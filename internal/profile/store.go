// Package profile owns the canonical application user record and its
// reconciliation against provider-asserted identities.
package profile

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProfileNotFound indicates no profile exists for the id.
	ErrProfileNotFound = errors.New("profile_store.not_found")
	// ErrProfileConflict indicates an insert lost a uniqueness race.
	ErrProfileConflict = errors.New("profile_store.conflict")
	// ErrProfilePermissionDenied indicates the store's access policy
	// rejected the write. Remediation: grant the authenticated role
	// insert/update permission on the user_profiles table.
	ErrProfilePermissionDenied = errors.New("profile_store.permission_denied")
)

// Profile is the canonical application user record. ID equals the
// provider-asserted user id and never changes.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists user profiles. Insert fails with ErrProfileConflict
// when a row for the id already exists; Upsert overwrites email and
// username with id as the conflict key while keeping the original
// CreatedAt.
type Store interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Insert(ctx context.Context, record Profile) (*Profile, error)
	Upsert(ctx context.Context, record Profile) (*Profile, error)
}
