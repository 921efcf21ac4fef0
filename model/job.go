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

package model

import "time"

// Job statuses as surfaced to API consumers polling a publish job.
const (
	JobStatusQueued    = "queued"
	JobStatusScheduled = "scheduled"
	JobStatusActive    = "active"
	JobStatusRetrying  = "retrying"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// PublishJob is one unit of work: deliver a post to a set of platform
// targets. It is the payload persisted in the durable queue.
type PublishJob struct {
	JobID            string    `json:"id"`
	PostID           string    `json:"post_id"`
	WorkspaceID      string    `json:"workspace_id"`
	TargetAccountIDs []string  `json:"target_account_ids"`
	MaxAttempts      int       `json:"max_attempts"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	ScheduledAt      time.Time `json:"scheduled_at,omitempty"`

	// Attempt is the 1-based number of the current execution. The queue
	// redelivers the original payload on retry, so the worker sets this
	// from the delivery metadata rather than the payload.
	Attempt int `json:"-"`
}

// FinalAttempt reports whether the current execution is the last one the
// queue will run for this job.
func (j *PublishJob) FinalAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

// JobStatus is the read model returned to UI polling: overall state, how far
// along the job is, per-target outputs and the last error if any.
type JobStatus struct {
	JobID    string            `json:"id"`
	PostID   string            `json:"post_id,omitempty"`
	Status   string            `json:"status"`
	Progress int               `json:"progress"`
	Attempts int               `json:"attempts"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Error    string            `json:"error,omitempty"`
}
