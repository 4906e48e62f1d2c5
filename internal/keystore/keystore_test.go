package keystore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key := bytes.Repeat([]byte{0x42}, KeySize)
	store, err := NewRedisStore(rdb, key, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mr
}

func TestStoreGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	envelope := map[string]any{
		"password": "p@ss",
		"connection": map[string]any{
			"token": "tok-123",
		},
	}
	if err := store.StoreSecret(ctx, "approval:abc", envelope, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := store.GetSecret(ctx, "approval:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["password"] != "p@ss" {
		t.Errorf("password = %v", got["password"])
	}
	nested, ok := got["connection"].(map[string]any)
	if !ok || nested["token"] != "tok-123" {
		t.Errorf("nested envelope = %v", got["connection"])
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.GetSecret(context.Background(), "approval:nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %v", got)
	}
}

func TestTTLIsSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreSecret(ctx, "approval:ttl", map[string]any{"token": "x"}, 90*time.Second); err != nil {
		t.Fatalf("store: %v", err)
	}
	if ttl := mr.TTL("approval:ttl"); ttl != 90*time.Second {
		t.Fatalf("ttl = %v, want 90s", ttl)
	}

	// After the TTL elapses the envelope is gone.
	mr.FastForward(2 * time.Minute)
	got, err := store.GetSecret(ctx, "approval:ttl")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after expiry, got %v", got)
	}
}

func TestDeleteSecret(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreSecret(ctx, "approval:del", map[string]any{"token": "x"}, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}

	existed, err := store.DeleteSecret(ctx, "approval:del")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Fatal("expected delete to report existing key")
	}

	existed, err = store.DeleteSecret(ctx, "approval:del")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Fatal("second delete must report missing key")
	}
}

func TestValueIsEncryptedAtRest(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreSecret(ctx, "approval:enc", map[string]any{"password": "p@ss"}, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}
	raw, err := mr.Get("approval:enc")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if bytes.Contains([]byte(raw), []byte("p@ss")) {
		t.Fatal("plaintext secret visible in redis")
	}
}

func TestTamperedEnvelopeFailsOpen(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreSecret(ctx, "approval:tamper", map[string]any{"token": "x"}, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}
	raw, _ := mr.Get("approval:tamper")
	flipped := []byte(raw)
	flipped[len(flipped)-1] ^= 0xFF
	mr.Set("approval:tamper", string(flipped))

	if _, err := store.GetSecret(ctx, "approval:tamper"); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestNewRedisStoreRejectsBadKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if _, err := NewRedisStore(rdb, []byte("short"), nil); err == nil {
		t.Fatal("expected error for short key")
	}
}
