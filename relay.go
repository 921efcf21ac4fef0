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

package relay

import (
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/database"
	"github.com/relayhq/relay/internal/cache"
	"github.com/relayhq/relay/internal/ratelimit"
	redis_db "github.com/relayhq/relay/internal/redis-db"
	"github.com/relayhq/relay/platform"
)

var tracer = otel.Tracer("relay.dispatch")

// SQLFiles carries the schema migrations so `relay migrate up` works from a
// bare binary.
//
//go:embed sql/*.sql
var SQLFiles embed.FS

// Relay represents the main struct for the Relay application.
type Relay struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	limiter    *ratelimit.Limiter
	platforms  *platform.Registry
	cache      cache.Cache
}

// NewRelay initializes a new instance of Relay with the provided database
// datasource. It fetches the configuration and wires the Redis client, the
// durable queue, the sliding-window limiter and the platform publishers.
func NewRelay(db database.IDataSource) (*Relay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	newRelay := &Relay{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		limiter:    ratelimit.NewLimiter(redisClient.Client()),
		platforms:  newPlatformRegistry(configuration),
		cache:      newCache,
	}
	return newRelay, nil
}

// newPlatformRegistry builds one HTTP publisher per configured platform.
// Platforms without a base URL are skipped; a publish job targeting one
// fails with an unknown-platform error instead of dialing nowhere.
func newPlatformRegistry(conf *config.Configuration) *platform.Registry {
	registry := platform.NewRegistry()
	for _, name := range platform.Supported() {
		pc := conf.Platform(name)
		if pc.BaseURL == "" {
			continue
		}
		timeout := time.Duration(pc.CallTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		registry.Register(platform.NewHTTPPublisher(name, pc.BaseURL, timeout))
	}
	return registry
}

// Queue exposes the underlying durable queue, used by the API layer to
// enqueue jobs and answer status polls.
func (r *Relay) Queue() *Queue {
	return r.queue
}

// Limiter exposes the cluster-wide sliding-window limiter for middleware.
func (r *Relay) Limiter() *ratelimit.Limiter {
	return r.limiter
}
