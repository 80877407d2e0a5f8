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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdall-iam/heimdall/internal/permission"
)

func testRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func TestPermissionCache_RoundTrip(t *testing.T) {
	r, _ := testRedis(t)
	cache := r.PermissionCache()
	ctx := context.Background()

	key := "perm:user-1:tenant-1:documents:read"
	want := &permission.Decision{Allowed: true, Source: permission.SourceDirect}

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, want, 5*time.Second))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Allowed)
	assert.Equal(t, permission.SourceDirect, got.Source)
}

func TestPermissionCache_TTLExpires(t *testing.T) {
	r, mr := testRedis(t)
	cache := r.PermissionCache()
	ctx := context.Background()

	key := "perm:user-1:tenant-1:documents:read"
	require.NoError(t, cache.Set(ctx, key, &permission.Decision{Allowed: true}, 5*time.Second))

	mr.FastForward(6 * time.Second)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry should age out with its TTL")
}

func TestPermissionCache_Invalidate(t *testing.T) {
	r, _ := testRedis(t)
	cache := r.PermissionCache()
	ctx := context.Background()

	keys := []string{
		"perm:user-1:tenant-1:documents:read",
		"perm:user-1:tenant-1:documents:write",
	}
	for _, k := range keys {
		require.NoError(t, cache.Set(ctx, k, &permission.Decision{Allowed: true}, time.Minute))
	}

	require.NoError(t, cache.Invalidate(ctx, keys...))

	for _, k := range keys {
		_, ok, err := cache.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	// Invalidating nothing is a no-op, not an error
	assert.NoError(t, cache.Invalidate(ctx))
}

func TestPermissionCache_CorruptEntryIsAMiss(t *testing.T) {
	r, mr := testRedis(t)
	cache := r.PermissionCache()
	ctx := context.Background()

	key := "perm:user-1:tenant-1:documents:read"
	require.NoError(t, mr.Set(key, "{not json"))

	_, ok, err := cache.Get(ctx, key)
	assert.Error(t, err)
	assert.False(t, ok, "corrupt entries must never read as a decision")
}

func TestBlacklist_AddAndContains(t *testing.T) {
	r, mr := testRedis(t)
	bl := r.Blacklist()
	ctx := context.Background()

	ok, err := bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bl.Add(ctx, "jti-1", 10*time.Second))

	ok, err = bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Entries age out with the token's remaining lifetime
	mr.FastForward(11 * time.Second)
	ok, err = bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
