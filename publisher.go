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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/database"
	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/internal/lock"
	"github.com/relayhq/relay/internal/notification"
	"github.com/relayhq/relay/model"
	"github.com/relayhq/relay/platform"
)

// transientError marks a job attempt that should be retried by the queue.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// targetOutcome is the result of one target attempt within a job.
type targetOutcome struct {
	target         *model.PlatformTarget
	platformPostID string
	pubErr         *platform.Error
	limited        bool // denied by our own outbound ceiling, not the platform
}

func (o *targetOutcome) succeeded() bool {
	return o.pubErr == nil
}

func (o *targetOutcome) transient() bool {
	return o.pubErr != nil && o.pubErr.Retryable
}

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// EnqueuePost creates a publish job for the post and hands it to the durable
// queue. The post moves to SCHEDULED immediately, so a queue outage after this
// call leaves a visible, sweepable state rather than a silent draft.
func (r *Relay) EnqueuePost(ctx context.Context, post *model.Post, targetAccountIDs []string, scheduledAt time.Time) (*model.PublishJob, error) {
	ctx, span := tracer.Start(ctx, "Scheduling Post For Publish")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	job := &model.PublishJob{
		JobID:            database.GenerateUUIDWithSuffix("job"),
		PostID:           post.PostID,
		WorkspaceID:      post.WorkspaceID,
		TargetAccountIDs: targetAccountIDs,
		MaxAttempts:      cfg.Queue.MaxRetryAttempts,
		EnqueuedAt:       time.Now(),
		ScheduledAt:      scheduledAt,
	}

	if err := r.datasource.UpdatePostStatus(ctx, post.PostID, model.PostStatusScheduled, nil); err != nil {
		return nil, logAndRecordError(span, "failed to mark post scheduled: ", err)
	}
	if err := r.queue.EnqueuePublish(ctx, job); err != nil {
		return nil, logAndRecordError(span, "failed to enqueue publish job: ", err)
	}
	r.invalidatePost(ctx, post.PostID)
	return job, nil
}

// GetPublishJobStatus resolves a job's queue state and overlays the targets
// read model on top: progress is the share of targets already published and
// outputs carries the platform-side post ID per completed platform.
func (r *Relay) GetPublishJobStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	status, err := r.queue.GetPublishJob(jobID)
	if err != nil || status == nil {
		return status, err
	}
	if status.PostID == "" {
		return status, nil
	}

	targets, err := r.datasource.GetTargetsByPost(ctx, status.PostID)
	if err != nil || len(targets) == 0 {
		// Queue state alone is still a useful answer.
		return status, nil
	}

	published := 0
	outputs := make(map[string]string)
	for _, target := range targets {
		if target.Status == model.TargetStatusPublished {
			published++
			outputs[target.Platform] = target.PlatformPostID
		}
	}
	if published > 0 {
		status.Outputs = outputs
	}
	status.Progress = published * 100 / len(targets)
	return status, nil
}

// ProcessPublishJob executes one attempt of a publish job. It is the queue
// handler for publish tasks and is safe to re-run: targets that published on
// a previous attempt are skipped, and completion writes are guarded in SQL.
//
// Returning a *transientError (or any error) makes the queue retry with
// backoff; returning nil completes the task.
func (r *Relay) ProcessPublishJob(ctx context.Context, job *model.PublishJob) error {
	ctx, span := tracer.Start(ctx, "Processing Publish Job")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	leaseTTL := time.Duration(cfg.Queue.LeaseDurationSec) * time.Second
	lease := lock.NewPostLease(r.redis, job.PostID, job.JobID)
	if err := lease.Acquire(ctx, leaseTTL); err != nil {
		// Another worker holds the post. Let the queue redeliver later.
		return &transientError{err: fmt.Errorf("post %s is locked by another worker: %w", job.PostID, err)}
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logrus.Warnf("failed to release lease for post %s: %v", job.PostID, err)
		}
	}()

	post, err := r.datasource.GetPost(ctx, job.PostID)
	if err != nil {
		if isNotFound(err) {
			logrus.Warnf("publish job %s references missing post %s, dropping", job.JobID, job.PostID)
			return nil
		}
		return err
	}
	if post.Status == model.PostStatusPublished {
		logrus.Infof("post %s already published, job %s is a no-op", post.PostID, job.JobID)
		return nil
	}

	if err := r.datasource.UpdatePostStatus(ctx, post.PostID, model.PostStatusPublishing, nil); err != nil {
		return logAndRecordError(span, "failed to mark post publishing: ", err)
	}

	targets, err := r.eligibleTargets(ctx, job)
	if err != nil {
		return logAndRecordError(span, "failed to load publish targets: ", err)
	}
	if len(targets) == 0 {
		// Every target completed on an earlier attempt.
		return r.finalizePost(ctx, post, job, nil)
	}

	outcomes := r.publishTargets(ctx, cfg, post, targets)

	for _, outcome := range outcomes {
		if outcome.succeeded() {
			if err := r.datasource.MarkTargetPublished(ctx, outcome.target.TargetID, outcome.platformPostID, time.Now()); err != nil {
				return err
			}
			continue
		}
		// A denial from our own ceiling is not a delivery failure; no
		// error row, the retry simply runs after backoff.
		if !outcome.limited {
			r.recordFailure(ctx, post, outcome)
		}
		// Transient failures keep the target PENDING for the next run,
		// except when there is no next run.
		if !outcome.transient() || job.FinalAttempt() {
			if err := r.datasource.MarkTargetFailed(ctx, outcome.target.TargetID); err != nil {
				return err
			}
		}
	}

	return r.finalizePost(ctx, post, job, outcomes)
}

// eligibleTargets loads the post's targets and filters out those already
// published and, when the job names specific accounts, those not named.
func (r *Relay) eligibleTargets(ctx context.Context, job *model.PublishJob) ([]*model.PlatformTarget, error) {
	targets, err := r.datasource.GetTargetsByPost(ctx, job.PostID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(job.TargetAccountIDs))
	for _, id := range job.TargetAccountIDs {
		wanted[id] = true
	}

	eligible := make([]*model.PlatformTarget, 0, len(targets))
	for _, target := range targets {
		if !target.Eligible() {
			continue
		}
		if len(wanted) > 0 && !wanted[target.SocialAccountID] {
			continue
		}
		eligible = append(eligible, target)
	}
	return eligible, nil
}

// publishTargets fans the attempt out, one goroutine per target. A failure on
// one target never interrupts the others; each outcome is collected and
// judged on its own.
func (r *Relay) publishTargets(ctx context.Context, cfg *config.Configuration, post *model.Post, targets []*model.PlatformTarget) []*targetOutcome {
	var wg sync.WaitGroup
	results := make(chan *targetOutcome, len(targets))

	for _, target := range targets {
		wg.Add(1)
		go func(target *model.PlatformTarget) {
			defer wg.Done()
			results <- r.publishOneTarget(ctx, cfg, post, target)
		}(target)
	}

	wg.Wait()
	close(results)

	outcomes := make([]*targetOutcome, 0, len(targets))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// publishOneTarget runs the pre-flight checks and the platform call for a
// single target.
func (r *Relay) publishOneTarget(ctx context.Context, cfg *config.Configuration, post *model.Post, target *model.PlatformTarget) *targetOutcome {
	outcome := &targetOutcome{target: target}

	account, err := r.datasource.GetSocialAccount(ctx, target.SocialAccountID)
	if err != nil {
		if isNotFound(err) {
			outcome.pubErr = &platform.Error{
				Code:     platform.CodeAccountNotFound,
				Message:  fmt.Sprintf("social account %s no longer exists", target.SocialAccountID),
				RawError: err.Error(),
			}
			return outcome
		}
		outcome.pubErr = &platform.Error{
			Code:      platform.CodeUnknown,
			Message:   "failed to load social account",
			RawError:  err.Error(),
			Retryable: true,
		}
		return outcome
	}

	if account.TokenExpired(time.Now()) {
		outcome.pubErr = &platform.Error{
			Code:     platform.CodeTokenExpired,
			Message:  fmt.Sprintf("access token for %s expired at %s", account.Handle, account.TokenExpiresAt.Format(time.RFC3339)),
			RawError: "token expired before publish attempt",
		}
		return outcome
	}

	publisher, err := r.platforms.Get(target.Platform)
	if err != nil {
		outcome.pubErr = &platform.Error{
			Code:     platform.CodeUnknown,
			Message:  fmt.Sprintf("platform %s is not configured", target.Platform),
			RawError: err.Error(),
		}
		return outcome
	}

	// Outbound ceiling per platform account. A denied check is transient:
	// the target stays PENDING and the next attempt runs after backoff,
	// by which time the window has moved.
	policy := cfg.Platform(target.Platform).Outbound
	check := r.limiter.Check(ctx, "outbound:"+target.Platform, account.AccountID, policy)
	if !check.Allowed {
		outcome.limited = true
		outcome.pubErr = &platform.Error{
			Code:      platform.CodeRateLimited,
			Message:   fmt.Sprintf("outbound limit for %s reached, resets at %d", target.Platform, check.ResetAt),
			RawError:  "local outbound rate limit",
			Retryable: true,
		}
		return outcome
	}

	platformPostID, err := publisher.Publish(ctx, account, post)
	if err != nil {
		if pubErr, ok := err.(*platform.Error); ok {
			outcome.pubErr = pubErr
		} else {
			outcome.pubErr = &platform.Error{
				Code:      platform.CodeUnknown,
				Message:   "publish attempt failed",
				RawError:  err.Error(),
				Retryable: true,
			}
		}
		return outcome
	}

	outcome.platformPostID = platformPostID
	return outcome
}

// recordFailure appends a PublishError row for a failed outcome. Audit rows
// are best effort; a write failure is logged, not fatal to the job.
func (r *Relay) recordFailure(ctx context.Context, post *model.Post, outcome *targetOutcome) {
	_, err := r.datasource.RecordPublishError(ctx, &model.PublishError{
		PostID:     post.PostID,
		Platform:   outcome.target.Platform,
		Code:       outcome.pubErr.Code,
		RawError:   outcome.pubErr.RawError,
		Message:    outcome.pubErr.Message,
		Suggestion: platform.Suggestion(outcome.pubErr.Code),
	})
	if err != nil {
		logrus.Errorf("failed to record publish error for post %s: %v", post.PostID, err)
	}
}

// finalizePost settles the post status after an attempt and decides whether
// the queue should retry.
func (r *Relay) finalizePost(ctx context.Context, post *model.Post, job *model.PublishJob, outcomes []*targetOutcome) error {
	targets, err := r.datasource.GetTargetsByPost(ctx, job.PostID)
	if err != nil {
		return err
	}

	published := 0
	pending := 0
	for _, target := range targets {
		switch target.Status {
		case model.TargetStatusPublished:
			published++
		case model.TargetStatusPending:
			pending++
		}
	}

	transientLeft := false
	for _, outcome := range outcomes {
		if outcome.transient() {
			transientLeft = true
			break
		}
	}

	if transientLeft {
		if !job.FinalAttempt() {
			// Leave the post in PUBLISHING and let the queue retry. Published
			// targets keep their state; only the pending ones run again.
			return &transientError{err: fmt.Errorf("publish job %s has %d targets awaiting retry", job.JobID, pending)}
		}
		// Out of retries. Settle the post on whatever landed so it never
		// sits in PUBLISHING waiting for an attempt that will not come.
		logrus.Warnf("publish job %s exhausted its attempts with %d targets unpublished", job.JobID, pending)
	}

	summary := fmt.Sprintf("published to %d/%d platforms", published, len(targets))
	if _, err := r.datasource.RecordActivity(ctx, &model.Activity{
		PostID:      post.PostID,
		WorkspaceID: post.WorkspaceID,
		Summary:     summary,
	}); err != nil {
		logrus.Errorf("failed to record activity for post %s: %v", post.PostID, err)
	}

	if published > 0 {
		now := time.Now()
		if err := r.datasource.UpdatePostStatus(ctx, post.PostID, model.PostStatusPublished, &now); err != nil {
			return err
		}
		post.Status = model.PostStatusPublished
		post.PublishedAt = &now
		logrus.Infof("post %s %s", post.PostID, summary)
	} else {
		if err := r.datasource.UpdatePostStatus(ctx, post.PostID, model.PostStatusFailed, nil); err != nil {
			return err
		}
		post.Status = model.PostStatusFailed
		notification.NotifyError(fmt.Errorf("post %s failed on every platform", post.PostID))
	}

	r.invalidatePost(ctx, post.PostID)

	if err := SendWebhook(NewWebhook{Event: getEventFromStatus(post.Status), Payload: post}); err != nil {
		logrus.Errorf("failed to queue notification for post %s: %v", post.PostID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	apiErr, ok := err.(apierror.APIError)
	return ok && apiErr.Code == apierror.ErrNotFound
}
