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

// Package ratelimit implements a sliding-window-log rate limiter over a
// shared Redis store, so limits hold across all process instances.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/config"
)

// checkScript purges expired window entries, counts what is left and only
// records the new entry when the caller is under the limit. Running it as a
// single script keeps concurrent callers from racing past the limit.
// Returns the pre-insert count.
const checkScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, '(' .. (now - window))
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
end
redis.call('PEXPIRE', key, window)
return count
`

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"` // unix seconds when the window fully resets
}

// Limiter checks sliding-window policies against Redis.
type Limiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client, now: time.Now}
}

// WithClock replaces the limiter's clock. Tests use it to advance the
// window without sleeping.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check records one operation for (prefix, identifier) under the given
// policy and reports whether it is allowed. When Redis is unreachable the
// limiter fails open (or closed, per policy) rather than propagating the
// infrastructure error to the caller.
func (l *Limiter) Check(ctx context.Context, prefix, identifier string, policy config.RateLimitPolicy) Result {
	now := l.now().UnixMilli()
	windowMs := policy.Window().Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%s", prefix, identifier)

	// Random tiebreaker so two events in the same millisecond remain
	// distinct members of the window set.
	member := fmt.Sprintf("%d-%d", now, rand.Int63())

	count, err := l.client.Eval(ctx, checkScript, []string{key}, now, windowMs, policy.Max, member).Int64()
	if err != nil {
		if policy.FailClosed {
			logrus.WithField("key", key).Warnf("rate limit store unreachable, failing closed: %v", err)
			return Result{Allowed: false, Limit: policy.Max, Remaining: 0, ResetAt: resetAt(now, windowMs)}
		}
		logrus.WithField("key", key).Warnf("rate limit store unreachable, failing open: %v", err)
		return Result{Allowed: true, Limit: policy.Max, Remaining: policy.Max - 1, ResetAt: resetAt(now, windowMs)}
	}

	remaining := policy.Max - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   int(count) < policy.Max,
		Limit:     policy.Max,
		Remaining: remaining,
		ResetAt:   resetAt(now, windowMs),
	}
}

func resetAt(nowMs, windowMs int64) int64 {
	return (nowMs + windowMs + 999) / 1000
}
