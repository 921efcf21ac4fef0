package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a Redis-held exclusive claim on a post while a worker executes
// its publish job. The TTL is the visibility timeout: if the worker dies the
// lease expires and the job becomes re-claimable.
type Lease struct {
	client redis.UniversalClient
	key    string
	value  string // only the lease holder may release or extend
}

func NewPostLease(client redis.UniversalClient, postID, holder string) *Lease {
	return &Lease{
		client: client,
		key:    fmt.Sprintf("publish:lease:%s", postID),
		value:  holder,
	}
}

func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lease for %s is already held", l.key)
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("release failed, lease %s expired or held by someone else", l.key)
	}
	return nil
}

func (l *Lease) Extend(ctx context.Context, extension time.Duration) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("extend failed, lease %s expired or held by someone else", l.key)
	}
	return nil
}

// AcquireWait retries Acquire with jittered sleeps until waitTimeout runs
// out.
func (l *Lease) AcquireWait(ctx context.Context, ttl, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Acquire(ctx, ttl)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
	return fmt.Errorf("could not acquire lease %s within the wait timeout", l.key)
}
