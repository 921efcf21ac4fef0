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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/database"
	"github.com/relayhq/relay/model"
)

// StuckPostRecoveryProcessor periodically re-enqueues posts left in
// PUBLISHING past the lease duration, i.e. posts whose worker died mid-job.
// Re-enqueueing is safe: published targets are skipped on the new attempt.
type StuckPostRecoveryProcessor struct {
	relay          *Relay
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewStuckPostRecoveryProcessor(relay *Relay) *StuckPostRecoveryProcessor {
	stuckThreshold := time.Hour
	cfg, err := config.Fetch()
	if err == nil && cfg.Queue.LeaseDurationSec > 0 {
		// A post is stuck once it has been PUBLISHING for two lease periods.
		stuckThreshold = 2 * time.Duration(cfg.Queue.LeaseDurationSec) * time.Second
	}

	return &StuckPostRecoveryProcessor{
		relay:          relay,
		maxWorkers:     5,
		pollInterval:   30 * time.Second,
		stuckThreshold: stuckThreshold,
		stopCh:         make(chan struct{}),
	}
}

func (p *StuckPostRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck post recovery processor started")
}

func (p *StuckPostRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck post recovery processor stopped")
}

func (p *StuckPostRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckPostRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck post recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck post recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckPosts triggers an immediate recovery sweep with the provided
// threshold. Exposed for the manual trigger API endpoint.
func (r *Relay) RecoverStuckPosts(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewStuckPostRecoveryProcessor(r)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *StuckPostRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuckPosts, err := p.relay.datasource.GetStuckPublishingPosts(ctx, time.Now().Add(-threshold))
	if err != nil {
		logrus.Errorf("failed to get stuck publishing posts: %v", err)
		return 0
	}

	if len(stuckPosts) == 0 {
		return 0
	}

	logrus.Infof("Recovering %d stuck publishing posts with %d workers (threshold=%v)", len(stuckPosts), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, post := range stuckPosts {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(post *model.Post) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.recoverPost(ctx, post); err != nil {
				logrus.Errorf("failed to recover stuck post %s: %v", post.PostID, err)
			}
		}(post)
	}

	batchWg.Wait()
	return len(stuckPosts)
}

// recoverPost re-enqueues one stuck post under a fresh job ID. The fresh ID
// matters: the dead worker's task may still exist in the queue under the old
// ID, and task IDs are unique while a task lives.
func (p *StuckPostRecoveryProcessor) recoverPost(ctx context.Context, post *model.Post) error {
	targets, err := p.relay.datasource.GetTargetsByPost(ctx, post.PostID)
	if err != nil {
		return err
	}
	var accountIDs []string
	for _, target := range targets {
		if target.Eligible() {
			accountIDs = append(accountIDs, target.SocialAccountID)
		}
	}
	if len(accountIDs) == 0 {
		// Every target completed before the worker died. Settle the post
		// rather than queue an empty job.
		now := time.Now()
		return p.relay.datasource.UpdatePostStatus(ctx, post.PostID, model.PostStatusPublished, &now)
	}

	job := &model.PublishJob{
		JobID:            database.GenerateUUIDWithSuffix("job"),
		PostID:           post.PostID,
		WorkspaceID:      post.WorkspaceID,
		TargetAccountIDs: accountIDs,
		EnqueuedAt:       time.Now(),
	}
	if err := p.relay.queue.EnqueuePublish(ctx, job); err != nil {
		return err
	}

	logrus.Infof("Re-enqueued stuck post %s as job %s", post.PostID, job.JobID)
	_, err = p.relay.datasource.RecordActivity(ctx, &model.Activity{
		PostID:      post.PostID,
		WorkspaceID: post.WorkspaceID,
		Summary:     "recovered a stalled publish and re-queued it",
	})
	if err != nil {
		logrus.Errorf("failed to record recovery activity for post %s: %v", post.PostID, err)
	}
	return nil
}
