/*
Copyright 2024 Relay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay/config"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLimiter(client), mr
}

func TestSlidingWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 5, WindowSec: 60}
	ctx := context.Background()

	current := time.Now()
	limiter.WithClock(func() time.Time { return current })

	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		res := limiter.Check(ctx, "api", "203.0.113.9", policy)
		assert.True(t, res.Allowed, "check %d should be allowed", i+1)
		assert.Equal(t, wantRemaining, res.Remaining, "check %d remaining", i+1)
	}

	res := limiter.Check(ctx, "api", "203.0.113.9", policy)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// After the window has fully passed, the identifier is allowed again.
	current = current.Add(61 * time.Second)
	res = limiter.Check(ctx, "api", "203.0.113.9", policy)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestSlidingWindowPartialExpiry(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 2, WindowSec: 60}
	ctx := context.Background()

	current := time.Now()
	limiter.WithClock(func() time.Time { return current })

	assert.True(t, limiter.Check(ctx, "api", "u1", policy).Allowed)

	current = current.Add(30 * time.Second)
	assert.True(t, limiter.Check(ctx, "api", "u1", policy).Allowed)
	assert.False(t, limiter.Check(ctx, "api", "u1", policy).Allowed)

	// 35s later the first token has slid out of the window; the second has
	// not.
	current = current.Add(35 * time.Second)
	res := limiter.Check(ctx, "api", "u1", policy)
	assert.True(t, res.Allowed)
	assert.False(t, limiter.Check(ctx, "api", "u1", policy).Allowed)
}

func TestWindowBoundaryEntryStillCounts(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 1, WindowSec: 1}
	ctx := context.Background()

	current := time.Now()
	limiter.WithClock(func() time.Time { return current })

	assert.True(t, limiter.Check(ctx, "api", "u2", policy).Allowed)

	// Exactly one window later the first entry sits on the window start.
	// Only strictly older entries expire, so it still occupies the slot.
	current = current.Add(time.Second)
	assert.False(t, limiter.Check(ctx, "api", "u2", policy).Allowed)

	current = current.Add(time.Millisecond)
	assert.True(t, limiter.Check(ctx, "api", "u2", policy).Allowed)
}

func TestIdentifiersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 1, WindowSec: 60}
	ctx := context.Background()

	assert.True(t, limiter.Check(ctx, "auth", "alice", policy).Allowed)
	assert.False(t, limiter.Check(ctx, "auth", "alice", policy).Allowed)
	assert.True(t, limiter.Check(ctx, "auth", "bob", policy).Allowed)
	assert.True(t, limiter.Check(ctx, "expensive", "alice", policy).Allowed)
}

func TestFailOpenOnStoreError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 5, WindowSec: 60}

	mr.Close()

	res := limiter.Check(context.Background(), "api", "203.0.113.9", policy)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestFailClosedPolicy(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 10, WindowSec: 60, FailClosed: true}

	mr.Close()

	res := limiter.Check(context.Background(), "auth", "alice", policy)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestResultResetAt(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := config.RateLimitPolicy{Max: 5, WindowSec: 60}

	current := time.Now()
	limiter.WithClock(func() time.Time { return current })

	res := limiter.Check(context.Background(), "api", "k", policy)
	assert.GreaterOrEqual(t, res.ResetAt, current.Add(60*time.Second).Unix())
	assert.Equal(t, 5, res.Limit)
}
