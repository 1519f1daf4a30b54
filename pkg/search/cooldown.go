package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// Cooldown suppresses repeated escalations for the same key.
type Cooldown interface {
	// Acquire reports true when no escalation for key fired within ttl and
	// records this one; false means the key is still cooling down.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so the next Acquire succeeds.
	Release(ctx context.Context, key string) error
}

// EscalationKey identifies an escalation by normalized query and the
// namespace the enrichment is written to.
func EscalationKey(query, namespace string) string {
	return namespace + "|" + utils.NormalizeName(query)
}

// MemoryCooldown is a process-local Cooldown.
type MemoryCooldown struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCooldown creates an empty in-process cooldown table.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{expires: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Cooldown.
func (c *MemoryCooldown) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.expires[key] = now.Add(ttl)

	// sweep expired keys so the table stays bounded by the active window
	for k, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, k)
		}
	}
	return true, nil
}

// Release implements Cooldown.
func (c *MemoryCooldown) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.expires, key)
	c.mu.Unlock()
	return nil
}

// RedisCooldown shares the cooldown window between processes using
// SET NX PX.
type RedisCooldown struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCooldown wraps an existing redis client. Keys are stored under
// prefix, which defaults to "researchd:escalation:".
func NewRedisCooldown(client redis.UniversalClient, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "researchd:escalation:"
	}
	return &RedisCooldown{client: client, prefix: prefix}
}

func (c *RedisCooldown) key(key string) string {
	sum := sha1.Sum([]byte(key))
	return c.prefix + hex.EncodeToString(sum[:])
}

// Acquire implements Cooldown.
func (c *RedisCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire escalation cooldown: %w", err)
	}
	return ok, nil
}

// Release implements Cooldown.
func (c *RedisCooldown) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release escalation cooldown: %w", err)
	}
	return nil
}
