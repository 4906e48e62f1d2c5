// Package keystore implements the short-lived encrypted secret store backing
// the approval queue. Secret envelopes are JSON-encoded, sealed with
// ChaCha20-Poly1305 and written to Redis with a TTL, so even a compromised
// Redis snapshot never exposes plaintext secrets.
package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of the at-rest encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// Store is the keystore contract the approval queue depends on.
type Store interface {
	// StoreSecret seals data and writes it under key with the given TTL.
	StoreSecret(ctx context.Context, key string, data map[string]any, ttl time.Duration) error

	// GetSecret returns the envelope stored under key, or nil when the key
	// does not exist (or has expired).
	GetSecret(ctx context.Context, key string) (map[string]any, error)

	// DeleteSecret removes key and reports whether it existed.
	DeleteSecret(ctx context.Context, key string) (bool, error)
}

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	rdb  *redis.Client
	aead cipher.AEAD
	log  *zap.Logger
}

// NewRedisStore creates a keystore over an existing Redis client.
// key must be exactly KeySize bytes.
func NewRedisStore(rdb *redis.Client, key []byte, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("keystore key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &RedisStore{rdb: rdb, aead: aead, log: logger}, nil
}

// StoreSecret implements Store.
func (s *RedisStore) StoreSecret(ctx context.Context, key string, data map[string]any, ttl time.Duration) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal secret envelope: %w", err)
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal secret envelope: %w", err)
	}

	if err := s.rdb.Set(ctx, key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

// GetSecret implements Store.
func (s *RedisStore) GetSecret(ctx context.Context, key string) (map[string]any, error) {
	sealed, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch secret: %w", err)
	}

	plaintext, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret envelope: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("unmarshal secret envelope: %w", err)
	}
	return data, nil
}

// DeleteSecret implements Store.
func (s *RedisStore) DeleteSecret(ctx context.Context, key string) (bool, error) {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	return deleted > 0, nil
}

// seal encrypts plaintext and prepends the random nonce.
func (s *RedisStore) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open splits the nonce prefix and decrypts.
func (s *RedisStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
