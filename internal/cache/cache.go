// Package cache provides the process-external key-value cache shared
// by the auth state store and the theme preference.
//
// The cache is a stale-but-available fallback, never a source of
// truth: readers prefer it only when the remote lookup has already
// failed.
package cache

import "context"

// Well-known keys. The layout is shared with prior deployments and
// must not change.
const (
	// KeyUserProfile holds a JSON-serialized profile.Profile.
	KeyUserProfile = "user_profile"
	// KeyDarkMode holds the string "true" or "false".
	KeyDarkMode = "isDarkMode"
)

// Cache is a minimal get/set/delete store keyed by string.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}
