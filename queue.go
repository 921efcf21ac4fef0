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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/relayhq/relay/config"
	redis_db "github.com/relayhq/relay/internal/redis-db"
	"github.com/relayhq/relay/model"
)

// How far in the future a job may be scheduled. Anything beyond the horizon
// is clamped so a typo'd year does not park a task forever.
const maxScheduleHorizon = 365 * 24 * time.Hour

// Queue wraps the durable task queue used for publish jobs, webhook events
// and janitor runs.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueuePublish enqueues a publish job. The job ID doubles as the task ID,
// so enqueuing the same job twice is a no-op while the first copy is still
// pending. Jobs with a future ScheduledAt are delivered at that time.
func (q *Queue) EnqueuePublish(ctx context.Context, job *model.PublishJob) error {
	ctx, span := tracer.Start(ctx, "Adding Publish Job To Queue")
	defer span.End()

	if len(job.TargetAccountIDs) == 0 {
		return fmt.Errorf("publish job %s has no target accounts", job.JobID)
	}

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	info, err := q.Client.EnqueueContext(ctx, q.publishTask(cfg, job, payload))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued publish job: %+v", job.JobID)
	return nil
}

// publishTask builds the publish task and assigns it to a shard based on the
// workspace ID. Jobs for the same workspace always land on the same shard and
// are processed serially there, so two jobs for one workspace cannot race on
// its posts.
func (q *Queue) publishTask(cfg *config.Configuration, job *model.PublishJob, payload []byte) *asynq.Task {
	queueIndex := hashWorkspaceID(job.WorkspaceID) % cfg.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, queueIndex+1)

	taskOptions := []asynq.Option{
		asynq.TaskID(job.JobID),
		asynq.Queue(queueName),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts - 1),
		asynq.Timeout(time.Duration(cfg.Queue.PublishTimeoutSec) * time.Second),
		asynq.Retention(time.Duration(cfg.Queue.CompletedRetentionH) * time.Hour),
	}
	if job.MaxAttempts > 0 {
		taskOptions = append(taskOptions, asynq.MaxRetry(job.MaxAttempts-1))
	}
	if !job.ScheduledAt.IsZero() {
		delay := time.Until(job.ScheduledAt)
		if delay > maxScheduleHorizon {
			delay = maxScheduleHorizon
		}
		if delay > 0 {
			taskOptions = append(taskOptions, asynq.ProcessIn(delay))
		}
	}

	return asynq.NewTask(queueName, payload, taskOptions...)
}

// hashWorkspaceID returns a consistent hash value for a workspace ID.
func hashWorkspaceID(workspaceID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(workspaceID))
	return int(hasher.Sum32())
}

// EnqueueWebhookEvent enqueues a persisted webhook event for asynchronous
// processing. The event ID is the task ID, so redelivered platform callbacks
// collapse into one task.
func (q *Queue) EnqueueWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(event.EventID),
		asynq.Queue(cfg.Queue.WebhookQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts - 1),
	}
	task := asynq.NewTask(cfg.Queue.WebhookQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued webhook event: %+v", event.EventID)
	return nil
}

// GetPublishJob looks the job up across all publish shards and maps the
// task's queue state to the API-facing job status.
func (q *Queue) GetPublishJob(jobID string) (*model.JobStatus, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, jobID)
		if err != nil || task == nil {
			continue
		}
		return taskToJobStatus(task), nil
	}
	return nil, nil
}

// CancelPublishJob removes a job that has not started running. Active and
// finished tasks are left alone and reported as not cancellable.
func (q *Queue) CancelPublishJob(jobID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PublishQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, jobID)
		if err != nil || task == nil {
			continue
		}
		switch task.State {
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			return q.Inspector.DeleteTask(queueName, jobID)
		case asynq.TaskStateActive:
			// Advisory: the worker observes the cancellation between attempts.
			return q.Inspector.CancelProcessing(jobID)
		default:
			return fmt.Errorf("job %s is %s and can no longer be cancelled", jobID, task.State)
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

func taskToJobStatus(task *asynq.TaskInfo) *model.JobStatus {
	status := &model.JobStatus{
		JobID:    task.ID,
		Attempts: task.Retried,
	}
	var job model.PublishJob
	if err := json.Unmarshal(task.Payload, &job); err == nil {
		status.PostID = job.PostID
	}
	if task.LastErr != "" {
		status.Error = task.LastErr
	}

	switch task.State {
	case asynq.TaskStatePending:
		status.Status = model.JobStatusQueued
	case asynq.TaskStateScheduled:
		status.Status = model.JobStatusScheduled
	case asynq.TaskStateActive:
		status.Status = model.JobStatusActive
	case asynq.TaskStateRetry:
		status.Status = model.JobStatusRetrying
		status.Attempts = task.Retried + 1
	case asynq.TaskStateCompleted:
		status.Status = model.JobStatusCompleted
		status.Progress = 100
	case asynq.TaskStateArchived:
		status.Status = model.JobStatusFailed
	default:
		status.Status = model.JobStatusQueued
	}
	return status
}

// PublishRetryDelay computes the backoff before retry n: base * 2^n with a
// five minute ceiling. Plugged into the worker server as its RetryDelayFunc.
func PublishRetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	cfg, err := config.Fetch()
	base := time.Second
	if err == nil && cfg.Queue.RetryBaseDelaySec > 0 {
		base = time.Duration(cfg.Queue.RetryBaseDelaySec) * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(n)))
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}
