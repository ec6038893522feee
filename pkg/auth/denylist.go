package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Denylist records revoked encrypted tokens in Redis until they would have
// expired anyway. Without it the encrypted backend cannot revoke: the token
// is self contained.
type Denylist struct {
	client *redis.Client
}

// NewDenylist creates a deny-list backed by the given Redis client
func NewDenylist(client *redis.Client) *Denylist {
	return &Denylist{client: client}
}

func denyKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "deli:denylist:" + hex.EncodeToString(sum[:])
}

// Add revokes a token until its natural expiry
func (d *Denylist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, denyKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to deny token: %w", err)
	}
	return nil
}

// Contains reports whether a token has been revoked
func (d *Denylist) Contains(ctx context.Context, token string) (bool, error) {
	n, err := d.client.Exists(ctx, denyKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check denylist: %w", err)
	}
	return n > 0, nil
}
