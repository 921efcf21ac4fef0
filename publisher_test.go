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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/database/mocks"
	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/internal/cache"
	"github.com/relayhq/relay/internal/ratelimit"
	"github.com/relayhq/relay/model"
	"github.com/relayhq/relay/platform"
)

func newTestRelay(t *testing.T, conf *config.Configuration) (*Relay, *mocks.MockDataSource, *platform.MockPublisher) {
	t.Helper()

	mr := miniredis.RunT(t)
	if conf == nil {
		conf = &config.Configuration{}
	}
	conf.Redis.Dns = mr.Addr()
	config.MockConfig(conf)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	datasource := new(mocks.MockDataSource)
	publisher := platform.NewMockPublisher(platform.Facebook)

	cfg, err := config.Fetch()
	require.NoError(t, err)

	readCache, err := cache.NewCache()
	require.NoError(t, err)

	r := &Relay{
		queue:      NewQueue(cfg),
		redis:      client,
		datasource: datasource,
		limiter:    ratelimit.NewLimiter(client),
		platforms:  platform.NewRegistry(publisher),
		cache:      readCache,
	}
	return r, datasource, publisher
}

func pendingTarget(postID, accountID string) *model.PlatformTarget {
	return &model.PlatformTarget{
		TargetID:        "tgt_" + accountID,
		PostID:          postID,
		SocialAccountID: accountID,
		Platform:        platform.Facebook,
		Status:          model.TargetStatusPending,
	}
}

func publishedTarget(postID, accountID string) *model.PlatformTarget {
	target := pendingTarget(postID, accountID)
	target.Status = model.TargetStatusPublished
	target.PlatformPostID = "fb_" + accountID
	return target
}

func activeAccount(accountID string) *model.SocialAccount {
	return &model.SocialAccount{
		AccountID:   accountID,
		WorkspaceID: "ws_1",
		Platform:    platform.Facebook,
		Handle:      "team",
		AccessToken: "tok",
	}
}

func publishJob(postID string) *model.PublishJob {
	return &model.PublishJob{
		JobID:       "job_test",
		PostID:      postID,
		WorkspaceID: "ws_1",
		EnqueuedAt:  time.Now(),
	}
}

func TestProcessPublishJobAllTargetsSucceed(t *testing.T) {
	r, ds, pub := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_1", WorkspaceID: "ws_1", Caption: "hello", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_1").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_1", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)

	ds.On("GetTargetsByPost", mock.Anything, "post_1").Return([]*model.PlatformTarget{
		pendingTarget("post_1", "acc_1"), pendingTarget("post_1", "acc_2"),
	}, nil).Once()
	ds.On("GetTargetsByPost", mock.Anything, "post_1").Return([]*model.PlatformTarget{
		publishedTarget("post_1", "acc_1"), publishedTarget("post_1", "acc_2"),
	}, nil).Once()

	ds.On("GetSocialAccount", mock.Anything, "acc_1").Return(activeAccount("acc_1"), nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_2").Return(activeAccount("acc_2"), nil)
	pub.Succeed("acc_1", "fb_1")
	pub.Succeed("acc_2", "fb_2")

	ds.On("MarkTargetPublished", mock.Anything, "tgt_acc_1", "fb_1", mock.AnythingOfType("time.Time")).Return(nil)
	ds.On("MarkTargetPublished", mock.Anything, "tgt_acc_2", "fb_2", mock.AnythingOfType("time.Time")).Return(nil)
	ds.On("RecordActivity", mock.Anything, mock.AnythingOfType("*model.Activity")).Return(&model.Activity{}, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_1", model.PostStatusPublished, mock.AnythingOfType("*time.Time")).Return(nil)

	err := r.ProcessPublishJob(context.Background(), publishJob("post_1"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"acc_1", "acc_2"}, pub.Calls())
	ds.AssertExpectations(t)
}

func TestProcessPublishJobPartialFailureIsolation(t *testing.T) {
	r, ds, pub := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_2", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_2").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_2", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)

	ds.On("GetTargetsByPost", mock.Anything, "post_2").Return([]*model.PlatformTarget{
		pendingTarget("post_2", "acc_ok"),
		pendingTarget("post_2", "acc_expired"),
		pendingTarget("post_2", "acc_rejected"),
	}, nil).Once()
	ds.On("GetTargetsByPost", mock.Anything, "post_2").Return([]*model.PlatformTarget{
		publishedTarget("post_2", "acc_ok"),
		pendingTarget("post_2", "acc_expired"),
		pendingTarget("post_2", "acc_rejected"),
	}, nil).Once()

	expired := activeAccount("acc_expired")
	expired.TokenExpiresAt = time.Now().Add(-time.Hour)
	ds.On("GetSocialAccount", mock.Anything, "acc_ok").Return(activeAccount("acc_ok"), nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_expired").Return(expired, nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_rejected").Return(activeAccount("acc_rejected"), nil)

	pub.Succeed("acc_ok", "fb_ok")
	pub.Fail("acc_rejected", &platform.Error{Code: platform.CodeContentRejected, Message: "caption too long"})

	ds.On("MarkTargetPublished", mock.Anything, "tgt_acc_ok", "fb_ok", mock.AnythingOfType("time.Time")).Return(nil)
	ds.On("MarkTargetFailed", mock.Anything, "tgt_acc_expired").Return(nil)
	ds.On("MarkTargetFailed", mock.Anything, "tgt_acc_rejected").Return(nil)
	ds.On("RecordPublishError", mock.Anything, mock.AnythingOfType("*model.PublishError")).Return(&model.PublishError{}, nil)
	ds.On("RecordActivity", mock.Anything, mock.AnythingOfType("*model.Activity")).Return(&model.Activity{}, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_2", model.PostStatusPublished, mock.AnythingOfType("*time.Time")).Return(nil)

	err := r.ProcessPublishJob(context.Background(), publishJob("post_2"))
	require.NoError(t, err)

	// One success plus two permanent failures: the post still publishes,
	// and each failure leaves exactly one error row.
	ds.AssertNumberOfCalls(t, "RecordPublishError", 2)
	ds.AssertNumberOfCalls(t, "MarkTargetPublished", 1)
	// The expired token never reaches the platform.
	assert.NotContains(t, pub.Calls(), "acc_expired")
	ds.AssertExpectations(t)
}

func TestProcessPublishJobAlreadyPublishedIsNoOp(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_3", Status: model.PostStatusPublished}
	ds.On("GetPost", mock.Anything, "post_3").Return(post, nil)

	err := r.ProcessPublishJob(context.Background(), publishJob("post_3"))
	require.NoError(t, err)

	ds.AssertNotCalled(t, "UpdatePostStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "GetTargetsByPost", mock.Anything, mock.Anything)
}

func TestProcessPublishJobMissingPostIsDropped(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	ds.On("GetPost", mock.Anything, "post_gone").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Post with ID 'post_gone' not found", nil))

	err := r.ProcessPublishJob(context.Background(), publishJob("post_gone"))
	require.NoError(t, err)
}

func TestProcessPublishJobTransientFailureRetries(t *testing.T) {
	r, ds, pub := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_4", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_4").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_4", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)
	ds.On("GetTargetsByPost", mock.Anything, "post_4").Return([]*model.PlatformTarget{
		pendingTarget("post_4", "acc_1"),
	}, nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_1").Return(activeAccount("acc_1"), nil)
	ds.On("RecordPublishError", mock.Anything, mock.AnythingOfType("*model.PublishError")).Return(&model.PublishError{}, nil)

	pub.Fail("acc_1", &platform.Error{Code: platform.CodeUnavailable, Message: "upstream 502", Retryable: true})

	err := r.ProcessPublishJob(context.Background(), publishJob("post_4"))
	require.Error(t, err)

	// A transient failure leaves the target PENDING for the retry.
	ds.AssertNotCalled(t, "MarkTargetFailed", mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "UpdatePostStatus", mock.Anything, "post_4", model.PostStatusFailed, (*time.Time)(nil))
}

func TestProcessPublishJobFinalAttemptSettlesFailed(t *testing.T) {
	r, ds, pub := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_10", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_10").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_10", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)
	ds.On("GetTargetsByPost", mock.Anything, "post_10").Return([]*model.PlatformTarget{
		pendingTarget("post_10", "acc_1"),
	}, nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_1").Return(activeAccount("acc_1"), nil)
	ds.On("RecordPublishError", mock.Anything, mock.AnythingOfType("*model.PublishError")).Return(&model.PublishError{}, nil)
	ds.On("MarkTargetFailed", mock.Anything, "tgt_acc_1").Return(nil)
	ds.On("RecordActivity", mock.Anything, mock.AnythingOfType("*model.Activity")).Return(&model.Activity{}, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_10", model.PostStatusFailed, (*time.Time)(nil)).Return(nil)

	pub.Fail("acc_1", &platform.Error{Code: platform.CodeUnavailable, Message: "upstream 502", Retryable: true})

	job := publishJob("post_10")
	job.MaxAttempts = 2
	job.Attempt = 2

	// No retries left: the task must complete and the post must land on
	// FAILED instead of waiting in PUBLISHING for an attempt that will
	// never run.
	err := r.ProcessPublishJob(context.Background(), job)
	require.NoError(t, err)
	ds.AssertCalled(t, "UpdatePostStatus", mock.Anything, "post_10", model.PostStatusFailed, (*time.Time)(nil))
	ds.AssertCalled(t, "MarkTargetFailed", mock.Anything, "tgt_acc_1")
}

func TestProcessPublishJobAllPermanentFailures(t *testing.T) {
	r, ds, pub := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_5", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_5").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_5", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)
	ds.On("GetTargetsByPost", mock.Anything, "post_5").Return([]*model.PlatformTarget{
		pendingTarget("post_5", "acc_1"),
	}, nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_1").Return(activeAccount("acc_1"), nil)

	pub.Fail("acc_1", &platform.Error{Code: platform.CodeContentRejected, Message: "rejected"})

	ds.On("RecordPublishError", mock.Anything, mock.AnythingOfType("*model.PublishError")).Return(&model.PublishError{}, nil)
	ds.On("MarkTargetFailed", mock.Anything, "tgt_acc_1").Return(nil)
	ds.On("RecordActivity", mock.Anything, mock.AnythingOfType("*model.Activity")).Return(&model.Activity{}, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_5", model.PostStatusFailed, (*time.Time)(nil)).Return(nil)

	err := r.ProcessPublishJob(context.Background(), publishJob("post_5"))
	require.NoError(t, err)
	ds.AssertExpectations(t)
}

func TestProcessPublishJobZeroEligibleTargets(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_6", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_6").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_6", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)
	ds.On("GetTargetsByPost", mock.Anything, "post_6").Return([]*model.PlatformTarget{
		publishedTarget("post_6", "acc_1"),
	}, nil)
	ds.On("RecordActivity", mock.Anything, mock.AnythingOfType("*model.Activity")).Return(&model.Activity{}, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_6", model.PostStatusPublished, mock.AnythingOfType("*time.Time")).Return(nil)

	err := r.ProcessPublishJob(context.Background(), publishJob("post_6"))
	require.NoError(t, err)
	ds.AssertExpectations(t)
}

func TestProcessPublishJobOutboundLimitIsTransient(t *testing.T) {
	policy := config.RateLimitPolicy{Max: 1, WindowSec: 60}
	conf := &config.Configuration{
		Platforms: map[string]config.PlatformConfig{
			platform.Facebook: {Outbound: policy},
		},
	}
	r, ds, pub := newTestRelay(t, conf)

	// Use up the account's one slot so the publish attempt is denied.
	burn := r.Limiter().Check(context.Background(), "outbound:"+platform.Facebook, "acc_1", policy)
	require.True(t, burn.Allowed)

	post := &model.Post{PostID: "post_7", WorkspaceID: "ws_1", Status: model.PostStatusScheduled}
	ds.On("GetPost", mock.Anything, "post_7").Return(post, nil)
	ds.On("UpdatePostStatus", mock.Anything, "post_7", model.PostStatusPublishing, (*time.Time)(nil)).Return(nil)
	ds.On("GetTargetsByPost", mock.Anything, "post_7").Return([]*model.PlatformTarget{
		pendingTarget("post_7", "acc_1"),
	}, nil)
	ds.On("GetSocialAccount", mock.Anything, "acc_1").Return(activeAccount("acc_1"), nil)

	pub.Succeed("acc_1", "fb_1")

	err := r.ProcessPublishJob(context.Background(), publishJob("post_7"))
	require.Error(t, err)

	// The platform call never happens when the outbound ceiling is hit,
	// and our own denial leaves no error row behind.
	assert.Empty(t, pub.Calls())
	ds.AssertNotCalled(t, "MarkTargetFailed", mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "RecordPublishError", mock.Anything, mock.Anything)
}

func TestGetPublishJobStatusOverlaysTargets(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	job := &model.PublishJob{
		JobID:            "job_prog",
		PostID:           "post_11",
		WorkspaceID:      "ws_1",
		TargetAccountIDs: []string{"acc_1", "acc_2"},
		EnqueuedAt:       time.Now(),
	}
	require.NoError(t, r.queue.EnqueuePublish(context.Background(), job))

	ds.On("GetTargetsByPost", mock.Anything, "post_11").Return([]*model.PlatformTarget{
		publishedTarget("post_11", "acc_1"),
		pendingTarget("post_11", "acc_2"),
	}, nil)

	status, err := r.GetPublishJobStatus(context.Background(), "job_prog")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "post_11", status.PostID)
	assert.Equal(t, 50, status.Progress)
	assert.Equal(t, map[string]string{platform.Facebook: "fb_acc_1"}, status.Outputs)
}

func TestProcessPublishJobPostLockedByAnotherWorker(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	held := r.redis.SetNX(context.Background(), "publish:lease:post_8", "other-worker", time.Minute)
	require.NoError(t, held.Err())
	require.True(t, held.Val())

	err := r.ProcessPublishJob(context.Background(), publishJob("post_8"))
	require.Error(t, err)
	ds.AssertNotCalled(t, "GetPost", mock.Anything, mock.Anything)
}

func TestEnqueuePostMovesPostToScheduled(t *testing.T) {
	r, ds, _ := newTestRelay(t, nil)

	post := &model.Post{PostID: "post_9", WorkspaceID: "ws_1", Status: model.PostStatusDraft}
	ds.On("UpdatePostStatus", mock.Anything, "post_9", model.PostStatusScheduled, (*time.Time)(nil)).Return(nil)

	job, err := r.EnqueuePost(context.Background(), post, []string{"acc_1"}, time.Time{})
	require.NoError(t, err)
	assert.Contains(t, job.JobID, "job_")
	assert.Equal(t, "post_9", job.PostID)
	ds.AssertExpectations(t)
}
