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

	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

const postCacheTTL = time.Minute

func postCacheKey(id string) string {
	return "post:" + id
}

// CreatePost stores a draft post with one target per named social account.
// Each account must exist and belong to the post's workspace; its platform
// decides which publisher the target will use.
func (r *Relay) CreatePost(ctx context.Context, post *model.Post, accountIDs []string) (*model.Post, error) {
	ctx, span := tracer.Start(ctx, "Creating Post")
	defer span.End()

	if len(accountIDs) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "a post needs at least one target account", nil)
	}

	accounts := make([]*model.SocialAccount, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		account, err := r.datasource.GetSocialAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account.WorkspaceID != post.WorkspaceID {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("account %s belongs to another workspace", accountID), nil)
		}
		accounts = append(accounts, account)
	}

	post.Status = model.PostStatusDraft
	post, err := r.datasource.CreatePost(ctx, post)
	if err != nil {
		return nil, err
	}

	for _, account := range accounts {
		_, err := r.datasource.CreatePlatformTarget(ctx, &model.PlatformTarget{
			PostID:          post.PostID,
			SocialAccountID: account.AccountID,
			Platform:        account.Platform,
			Status:          model.TargetStatusPending,
		})
		if err != nil {
			return nil, err
		}
	}
	return post, nil
}

// GetPost returns the post read model, cache first.
func (r *Relay) GetPost(ctx context.Context, id string) (*model.Post, error) {
	var cached model.Post
	if err := r.cache.Get(ctx, postCacheKey(id), &cached); err == nil && cached.PostID != "" {
		return &cached, nil
	}

	post, err := r.datasource.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, postCacheKey(id), post, postCacheTTL); err != nil {
		logrus.Warnf("failed to cache post %s: %v", id, err)
	}
	return post, nil
}

// GetPostsByWorkspace lists a workspace's posts, newest first.
func (r *Relay) GetPostsByWorkspace(ctx context.Context, workspaceID string, limit int, offset int64) ([]*model.Post, error) {
	return r.datasource.GetPostsByWorkspace(ctx, workspaceID, limit, offset)
}

// GetTargets returns the post's platform targets with their per-platform
// outcomes.
func (r *Relay) GetTargets(ctx context.Context, postID string) ([]*model.PlatformTarget, error) {
	return r.datasource.GetTargetsByPost(ctx, postID)
}

// GetPublishErrors returns the post's accumulated failure history.
func (r *Relay) GetPublishErrors(ctx context.Context, postID string) ([]*model.PublishError, error) {
	return r.datasource.GetPublishErrors(ctx, postID)
}

// GetActivities returns the post's audit trail.
func (r *Relay) GetActivities(ctx context.Context, postID string) ([]*model.Activity, error) {
	return r.datasource.GetActivitiesByPost(ctx, postID)
}

// CancelScheduledPost withdraws a job that has not started and returns the
// post to DRAFT. Jobs already running or finished are not cancellable.
func (r *Relay) CancelScheduledPost(ctx context.Context, postID, jobID string) error {
	ctx, span := tracer.Start(ctx, "Cancelling Scheduled Post")
	defer span.End()

	post, err := r.datasource.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != model.PostStatusScheduled && post.Status != model.PostStatusDraft {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("post is %s and can no longer be cancelled", post.Status), nil)
	}

	if err := r.queue.CancelPublishJob(jobID); err != nil {
		return apierror.NewAPIError(apierror.ErrConflict, err.Error(), nil)
	}

	if err := r.datasource.UpdatePostStatus(ctx, postID, model.PostStatusDraft, nil); err != nil {
		return err
	}
	r.invalidatePost(ctx, postID)

	if _, err := r.datasource.RecordActivity(ctx, &model.Activity{
		PostID:      postID,
		WorkspaceID: post.WorkspaceID,
		Summary:     "cancelled the scheduled publish",
	}); err != nil {
		logrus.Errorf("failed to record cancel activity for post %s: %v", postID, err)
	}
	return nil
}

func (r *Relay) invalidatePost(ctx context.Context, postID string) {
	if err := r.cache.Delete(ctx, postCacheKey(postID)); err != nil {
		logrus.Warnf("failed to invalidate cached post %s: %v", postID, err)
	}
}
