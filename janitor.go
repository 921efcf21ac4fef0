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
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/config"
)

// RunJanitor is the queue handler for janitor ticks. It trims what retention
// windows have aged out: resolved webhook event rows and archived publish
// tasks that exhausted their retries longer ago than the failed-task
// retention.
func (r *Relay) RunJanitor(ctx context.Context, _ *asynq.Task) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	retention := time.Duration(cfg.Queue.FailedRetentionH) * time.Hour
	cutoff := time.Now().Add(-retention)

	purged, err := r.datasource.PurgeResolvedWebhookEvents(ctx, cutoff)
	if err != nil {
		logrus.Errorf("janitor: failed to purge webhook events: %v", err)
	} else if purged > 0 {
		logrus.Infof("janitor: purged %d resolved webhook events", purged)
	}

	dropped := 0
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, i)
		tasks, err := r.queue.Inspector.ListArchivedTasks(queueName)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			if task.LastFailedAt.IsZero() || task.LastFailedAt.After(cutoff) {
				continue
			}
			if err := r.queue.Inspector.DeleteTask(queueName, task.ID); err == nil {
				dropped++
			}
		}
	}
	if dropped > 0 {
		logrus.Infof("janitor: dropped %d expired archived tasks", dropped)
	}
	return nil
}
