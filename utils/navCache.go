package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// NavigationLoader computes the module paths visible to a role with the given permissions.
type NavigationLoader func(ctx context.Context, roleId int, permissions []string) ([]string, error)

// NavigationCache is a read-through cache of navigation visibility keyed by
// (role, permission set, generation). Invalidate bumps the generation so every older key is
// unreachable and left to expire.
type NavigationCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	group  singleflight.Group
}

func NewNavigationCache(client *redis.Client, ttl time.Duration) *NavigationCache {
	if ttl <= 0 {
		ttl = GetCacheLifespan()
	}
	return &NavigationCache{client: client, ttl: ttl, prefix: "nav"}
}

// CACHE_LIFESPAN is in hours; unset means 1.
func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

// PermissionSetHash is order- and duplicate-insensitive.
func PermissionSetHash(permissions []string) string {
	normalized := make([]string, 0, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	normalized = UniqueSlice(normalized)
	sort.Strings(normalized)
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *NavigationCache) generationKey() string {
	return c.prefix + ":generation"
}

func (c *NavigationCache) generation(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *NavigationCache) entryKey(generation int64, roleId int, permissions []string) string {
	return fmt.Sprintf("%s:%d:role:%d:perm:%s", c.prefix, generation, roleId, PermissionSetHash(permissions))
}

// Get returns the cached paths or loads and stores them. Without redis it always calls load.
func (c *NavigationCache) Get(ctx context.Context, roleId int, permissions []string, load NavigationLoader) ([]string, error) {
	if c == nil || c.client == nil {
		return load(ctx, roleId, permissions)
	}
	gen, err := c.generation(ctx)
	if err != nil {
		return load(ctx, roleId, permissions)
	}
	key := c.entryKey(gen, roleId, permissions)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var paths []string
		if json.Unmarshal(raw, &paths) == nil {
			return paths, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		paths, err := load(ctx, roleId, permissions)
		if err != nil {
			return nil, err
		}
		if b, merr := json.Marshal(paths); merr == nil {
			_ = c.client.Set(ctx, key, b, c.ttl).Err()
		}
		return paths, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Invalidate starts a new generation and returns it.
func (c *NavigationCache) Invalidate(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	return c.client.Incr(ctx, c.generationKey()).Result()
}
