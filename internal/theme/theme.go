// Package theme persists the dark-mode display preference.
package theme

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mprlab/authbridge/internal/cache"
)

// Manager reads and writes the dark-mode flag through the local cache.
// Absent or unreadable values fall back to light mode.
type Manager struct {
	localCache cache.Cache
}

// NewManager constructs a Manager.
func NewManager(localCache cache.Cache) *Manager {
	return &Manager{localCache: localCache}
}

// IsDarkMode resolves the stored preference, defaulting to light.
func (manager *Manager) IsDarkMode(ctx context.Context) bool {
	value, found, getErr := manager.localCache.Get(ctx, cache.KeyDarkMode)
	if getErr != nil || !found {
		return false
	}
	isDarkMode, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return false
	}
	return isDarkMode
}

// SetDarkMode stores the preference.
func (manager *Manager) SetDarkMode(ctx context.Context, isDarkMode bool) error {
	if setErr := manager.localCache.Set(ctx, cache.KeyDarkMode, strconv.FormatBool(isDarkMode)); setErr != nil {
		return fmt.Errorf("theme.set_dark_mode: %w", setErr)
	}
	return nil
}

// Toggle flips the preference and returns the new value.
func (manager *Manager) Toggle(ctx context.Context) (bool, error) {
	flipped := !manager.IsDarkMode(ctx)
	if setErr := manager.SetDarkMode(ctx, flipped); setErr != nil {
		return false, setErr
	}
	return flipped, nil
}
