//go:build integration

package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/ddugovic/tasbot/internal/testutil"
)

func TestSharedCache_PutGet(t *testing.T) {
	rdb := testutil.SetupRedis(t)
	testutil.CleanupRedis(t, rdb)
	cache := NewSharedCacheFromClient(rdb)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}

	cache.Put(ctx, "key-1", []byte("response"))
	got, ok := cache.Get(ctx, "key-1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if !bytes.Equal(got, []byte("response")) {
		t.Errorf("expected stored bytes, got %q", got)
	}
}

func TestSharedCache_KeysDoNotCollide(t *testing.T) {
	rdb := testutil.SetupRedis(t)
	testutil.CleanupRedis(t, rdb)
	cache := NewSharedCacheFromClient(rdb)
	ctx := context.Background()

	cache.Put(ctx, "key-a", []byte("a"))
	cache.Put(ctx, "key-b", []byte("b"))
	got, ok := cache.Get(ctx, "key-a")
	if !ok || !bytes.Equal(got, []byte("a")) {
		t.Errorf("expected value for key-a, got %q ok=%v", got, ok)
	}
}
