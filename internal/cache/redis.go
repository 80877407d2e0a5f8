// Copyright 2026 The Heimdall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the Redis-backed permission decision cache and
// the JTI revocation list. Both are ephemeral: losing Redis loses only
// cached decisions (recomputed on the next check) and access-token
// blacklist entries, which age out with the tokens themselves.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heimdall-iam/heimdall/internal/permission"
)

// Redis wraps a shared client for the cache-backed collaborators
type Redis struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewFromClient wraps an existing client, used by tests
func NewFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// PermissionCache implements permission.Cache on Redis
type PermissionCache struct {
	client *redis.Client
}

// PermissionCache returns the permission decision cache view
func (r *Redis) PermissionCache() *PermissionCache {
	return &PermissionCache{client: r.client}
}

// Get fetches a cached decision. A missing key is not an error.
func (c *PermissionCache) Get(ctx context.Context, key string) (*permission.Decision, bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var d permission.Decision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		// A corrupt entry must never turn into an allow; drop it and
		// report a miss
		c.client.Del(ctx, key)
		return nil, false, err
	}
	return &d, true, nil
}

// Set stores a decision under the given TTL
func (c *PermissionCache) Set(ctx context.Context, key string, d *permission.Decision, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Invalidate drops the given keys
func (c *PermissionCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Blacklist implements token.Blacklist on Redis. Entries carry the
// remaining lifetime of the revoked access token, so the list cleans
// itself up.
type Blacklist struct {
	client *redis.Client
}

// Blacklist returns the JTI revocation list view
func (r *Redis) Blacklist() *Blacklist {
	return &Blacklist{client: r.client}
}

func jtiKey(jti string) string {
	return "revoked:jti:" + jti
}

// Add revokes a JTI for the given TTL
func (b *Blacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	return b.client.Set(ctx, jtiKey(jti), "1", ttl).Err()
}

// Contains reports whether a JTI is revoked
func (b *Blacklist) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, jtiKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
