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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/relayhq/relay"
	"github.com/relayhq/relay/config"
	redis_db "github.com/relayhq/relay/internal/redis-db"
	"github.com/relayhq/relay/model"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processPublishJob executes one publish attempt for a job pulled off a
// shard queue. Any returned error pushes the task back for a retry with
// the configured backoff.
func (r *relayInstance) processPublishJob(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("relay.publish.worker").Start(ctx, "Process Publish Job From Queue")
	defer span.End()

	var job model.PublishJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		logrus.Error(err)
		return err
	}

	// The payload is the original enqueue-time snapshot; the delivery
	// metadata knows which attempt this is.
	if retried, ok := asynq.GetRetryCount(ctx); ok {
		job.Attempt = retried + 1
	}
	if maxRetry, ok := asynq.GetMaxRetry(ctx); ok {
		job.MaxAttempts = maxRetry + 1
	}

	if err := r.relay.ProcessPublishJob(ctx, &job); err != nil {
		logrus.Infof("Publish job %s pushed back for retry due to error: %v", job.JobID, err)
		return err
	}

	log.Println(" [*] Publish Job Processed", job.JobID)
	return nil
}

// initializeQueues maps queue names to priorities. Shard queues carry the
// publish load; webhook and janitor queues are lighter but should not starve.
func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues[cfg.Queue.WebhookQueue+":outbound"] = 2
	queues[cfg.Queue.JanitorQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency:    conf.Queue.WorkerCount,
			Queues:         queues,
			RetryDelayFunc: relay.PublishRetryDelay,
		},
	), nil
}

func initializeTaskHandlers(r *relayInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, i)
		mux.HandleFunc(queueName, r.processPublishJob)
	}

	mux.HandleFunc(cfg.Queue.WebhookQueue, r.relay.ProcessWebhookEvent)
	mux.HandleFunc(cfg.Queue.WebhookQueue+":outbound", relay.ProcessOutboundWebhook)
	mux.HandleFunc(cfg.Queue.JanitorQueue, r.relay.RunJanitor)
}

// startJanitor sweeps expired queue history and resolved webhook events on a
// fixed interval for as long as the worker process lives.
func startJanitor(ctx context.Context, r *relayInstance) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		for range ticker.C {
			if err := r.relay.RunJanitor(ctx, nil); err != nil {
				logrus.Errorf("janitor sweep failed: %v", err)
			}
		}
	}()
}

// workerCommands defines the "workers" command. Workers consume the publish
// shard queues, the inbound and outbound webhook queues, and run the
// stuck-post recovery sweep in the background.
func workerCommands(r *relayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start relay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(r, mux)

			// Background sweeps: stalled PUBLISHING posts and queue hygiene.
			recovery := relay.NewStuckPostRecoveryProcessor(r.relay)
			recovery.Start(ctx)
			defer recovery.Stop()
			startJanitor(ctx, r)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
