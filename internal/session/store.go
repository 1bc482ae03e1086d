// Package session owns the process-wide cached view of the current
// authenticated user.
//
// The view {user, isLoading, error} is the only shared mutable state
// in the module. All mutation happens through the four store
// operations; every other component reads it via Current.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mprlab/authbridge/internal/cache"
	"github.com/mprlab/authbridge/internal/identity"
	"github.com/mprlab/authbridge/internal/profile"
)

// State is a snapshot of the auth session view.
type State struct {
	User      *profile.Profile
	IsLoading bool
	Err       string
}

// Authenticated reports whether a user is present.
func (state State) Authenticated() bool {
	return state.User != nil
}

// Store maintains the auth session state across the process lifetime.
// The local cache is only a stale-but-available fallback; the remote
// identity service stays authoritative whenever it is reachable.
type Store struct {
	identityService identity.Service
	profiles        profile.Store
	localCache      cache.Cache
	logger          *zap.Logger

	mutex        sync.Mutex
	state        State
	accessToken  string
	initDone     bool
	initInFlight chan struct{}
}

// NewStore constructs a Store. A nil logger is replaced with a no-op
// logger.
func NewStore(identityService identity.Service, profiles profile.Store, localCache cache.Cache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		identityService: identityService,
		profiles:        profiles,
		localCache:      localCache,
		logger:          logger,
	}
}

// Current returns a snapshot of the session state.
func (store *Store) Current() State {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state
}

// SetSessionToken records the provider session token used for remote
// identity lookups.
func (store *Store) SetSessionToken(accessToken string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accessToken = accessToken
}

// Initialize resolves the current identity and profile once per
// process lifetime. Concurrent callers share the first call's remote
// lookups: a second Initialize while one is in flight blocks until
// the first completes and returns its result, issuing no remote calls
// of its own.
func (store *Store) Initialize(ctx context.Context) State {
	store.mutex.Lock()
	if store.initDone {
		snapshot := store.state
		store.mutex.Unlock()
		return snapshot
	}
	if store.initInFlight != nil {
		waiter := store.initInFlight
		store.mutex.Unlock()
		<-waiter
		return store.Current()
	}
	store.initInFlight = make(chan struct{})
	store.state.IsLoading = true
	token := store.accessToken
	store.mutex.Unlock()

	resolved := store.resolve(ctx, token)

	store.mutex.Lock()
	store.state = resolved
	store.initDone = true
	close(store.initInFlight)
	store.initInFlight = nil
	snapshot := store.state
	store.mutex.Unlock()
	return snapshot
}

// resolve performs the remote identity check and profile fetch with
// the cache fallback. It runs outside the store mutex.
func (store *Store) resolve(ctx context.Context, accessToken string) State {
	assertion, identityErr := store.identityService.GetCurrentUser(ctx, accessToken)
	if identityErr != nil || assertion == nil || assertion.UserID == "" {
		store.clearCachedProfile(ctx)
		return State{}
	}

	profileRow, profileErr := store.profiles.Get(ctx, assertion.UserID)
	if profileErr == nil {
		store.writeCachedProfile(ctx, profileRow)
		return State{User: profileRow}
	}

	// Identity is confirmed; only the profile lookup failed. Degrade to
	// the last-known cached profile and stay authenticated.
	store.logger.Warn("profile fetch failed, falling back to cached profile",
		zap.String("code", "session.initialize.profile_fallback"),
		zap.String("user_id", assertion.UserID),
		zap.Error(profileErr))
	if cached := store.readCachedProfile(ctx); cached != nil {
		return State{User: cached}
	}
	return State{}
}

// FetchProfile fetches the profile for the established identity
// session, caching it on success. On any failure, including a missing
// identity session, the cache is cleared and the failure propagates so
// callers can redirect to login.
func (store *Store) FetchProfile(ctx context.Context) (*profile.Profile, error) {
	store.mutex.Lock()
	token := store.accessToken
	store.mutex.Unlock()

	assertion, identityErr := store.identityService.GetCurrentUser(ctx, token)
	if identityErr != nil || assertion == nil || assertion.UserID == "" {
		store.clearCachedProfile(ctx)
		return nil, fmt.Errorf("session.fetch_profile: %w", identity.ErrNotAuthenticated)
	}

	profileRow, profileErr := store.profiles.Get(ctx, assertion.UserID)
	if profileErr != nil {
		store.clearCachedProfile(ctx)
		return nil, fmt.Errorf("session.fetch_profile: %w", profileErr)
	}

	store.writeCachedProfile(ctx, profileRow)
	store.mutex.Lock()
	store.state = State{User: profileRow}
	store.mutex.Unlock()
	return profileRow, nil
}

// SetUser assigns the current user directly, writing through to the
// local cache. A nil user clears both.
func (store *Store) SetUser(ctx context.Context, user *profile.Profile) {
	if user == nil {
		store.clearCachedProfile(ctx)
	} else {
		store.writeCachedProfile(ctx, user)
	}
	store.mutex.Lock()
	store.state = State{User: user}
	store.mutex.Unlock()
}

// Logout signs out of the identity provider and clears local state.
// Remote sign-out failures are logged, never propagated: the
// user-visible effect of logout is the local session ending, which
// must happen regardless.
func (store *Store) Logout(ctx context.Context) {
	store.mutex.Lock()
	token := store.accessToken
	store.mutex.Unlock()

	if signOutErr := store.identityService.SignOut(ctx, token); signOutErr != nil {
		store.logger.Warn("remote sign-out failed, clearing local session anyway",
			zap.String("code", "session.logout.remote_failed"),
			zap.Error(signOutErr))
	}

	store.clearCachedProfile(ctx)
	store.mutex.Lock()
	store.state = State{}
	store.accessToken = ""
	store.mutex.Unlock()
}

func (store *Store) writeCachedProfile(ctx context.Context, profileRow *profile.Profile) {
	encoded, marshalErr := json.Marshal(profileRow)
	if marshalErr != nil {
		return
	}
	if setErr := store.localCache.Set(ctx, cache.KeyUserProfile, string(encoded)); setErr != nil {
		store.logger.Warn("cache write failed",
			zap.String("code", "session.cache.write_failed"),
			zap.Error(setErr))
	}
}

func (store *Store) readCachedProfile(ctx context.Context) *profile.Profile {
	value, found, getErr := store.localCache.Get(ctx, cache.KeyUserProfile)
	if getErr != nil || !found {
		return nil
	}
	var cached profile.Profile
	if unmarshalErr := json.Unmarshal([]byte(value), &cached); unmarshalErr != nil {
		return nil
	}
	if cached.ID == "" {
		return nil
	}
	return &cached
}

func (store *Store) clearCachedProfile(ctx context.Context) {
	if deleteErr := store.localCache.Delete(ctx, cache.KeyUserProfile); deleteErr != nil {
		store.logger.Warn("cache delete failed",
			zap.String("code", "session.cache.delete_failed"),
			zap.Error(deleteErr))
	}
}
