package theme

import (
	"context"
	"testing"

	"github.com/mprlab/authbridge/internal/cache"
)

func TestIsDarkModeDefaultsToLight(t *testing.T) {
	t.Parallel()
	manager := NewManager(cache.NewMemoryCache(0))
	if manager.IsDarkMode(context.Background()) {
		t.Fatalf("expected light mode without a stored preference")
	}
}

func TestIsDarkModeIgnoresGarbage(t *testing.T) {
	t.Parallel()
	localCache := cache.NewMemoryCache(0)
	_ = localCache.Set(context.Background(), cache.KeyDarkMode, "definitely")
	manager := NewManager(localCache)
	if manager.IsDarkMode(context.Background()) {
		t.Fatalf("unparseable preference must fall back to light mode")
	}
}

func TestToggleRoundTrip(t *testing.T) {
	t.Parallel()
	manager := NewManager(cache.NewMemoryCache(0))
	ctx := context.Background()

	flipped, err := manager.Toggle(ctx)
	if err != nil || !flipped {
		t.Fatalf("expected toggle to dark, got %v %v", flipped, err)
	}
	if !manager.IsDarkMode(ctx) {
		t.Fatalf("expected dark mode persisted")
	}

	flipped, err = manager.Toggle(ctx)
	if err != nil || flipped {
		t.Fatalf("expected toggle back to light, got %v %v", flipped, err)
	}

	if setErr := manager.SetDarkMode(ctx, true); setErr != nil {
		t.Fatalf("set dark mode: %v", setErr)
	}
	if !manager.IsDarkMode(ctx) {
		t.Fatalf("expected explicit set persisted")
	}
}
