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
package mocks

import (
	"context"
	"time"

	"github.com/relayhq/relay/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Post methods

func (m *MockDataSource) CreatePost(ctx context.Context, post *model.Post) (*model.Post, error) {
	args := m.Called(ctx, post)
	return args.Get(0).(*model.Post), args.Error(1)
}

func (m *MockDataSource) GetPost(ctx context.Context, id string) (*model.Post, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Post), args.Error(1)
}

func (m *MockDataSource) UpdatePostStatus(ctx context.Context, id string, status string, publishedAt *time.Time) error {
	args := m.Called(ctx, id, status, publishedAt)
	return args.Error(0)
}

func (m *MockDataSource) GetPostsByWorkspace(ctx context.Context, workspaceID string, limit int, offset int64) ([]*model.Post, error) {
	args := m.Called(ctx, workspaceID, limit, offset)
	return args.Get(0).([]*model.Post), args.Error(1)
}

func (m *MockDataSource) GetStuckPublishingPosts(ctx context.Context, olderThan time.Time) ([]*model.Post, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).([]*model.Post), args.Error(1)
}

// Platform target methods

func (m *MockDataSource) CreatePlatformTarget(ctx context.Context, target *model.PlatformTarget) (*model.PlatformTarget, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(*model.PlatformTarget), args.Error(1)
}

func (m *MockDataSource) GetTargetsByPost(ctx context.Context, postID string) ([]*model.PlatformTarget, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).([]*model.PlatformTarget), args.Error(1)
}

func (m *MockDataSource) MarkTargetPublished(ctx context.Context, targetID, platformPostID string, publishedAt time.Time) error {
	args := m.Called(ctx, targetID, platformPostID, publishedAt)
	return args.Error(0)
}

func (m *MockDataSource) MarkTargetFailed(ctx context.Context, targetID string) error {
	args := m.Called(ctx, targetID)
	return args.Error(0)
}

// Social account methods

func (m *MockDataSource) GetSocialAccount(ctx context.Context, id string) (*model.SocialAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SocialAccount), args.Error(1)
}

func (m *MockDataSource) GetSocialAccountsByWorkspace(ctx context.Context, workspaceID string) ([]*model.SocialAccount, error) {
	args := m.Called(ctx, workspaceID)
	return args.Get(0).([]*model.SocialAccount), args.Error(1)
}

// Publish error methods

func (m *MockDataSource) RecordPublishError(ctx context.Context, pubErr *model.PublishError) (*model.PublishError, error) {
	args := m.Called(ctx, pubErr)
	return args.Get(0).(*model.PublishError), args.Error(1)
}

func (m *MockDataSource) GetPublishErrors(ctx context.Context, postID string) ([]*model.PublishError, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).([]*model.PublishError), args.Error(1)
}

// Webhook event methods

func (m *MockDataSource) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(*model.WebhookEvent), args.Error(1)
}

func (m *MockDataSource) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookEvent), args.Error(1)
}

func (m *MockDataSource) ResolveWebhookEvent(ctx context.Context, id string, status string, processingErr string) error {
	args := m.Called(ctx, id, status, processingErr)
	return args.Error(0)
}

func (m *MockDataSource) PurgeResolvedWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

// Activity methods

func (m *MockDataSource) RecordActivity(ctx context.Context, act *model.Activity) (*model.Activity, error) {
	args := m.Called(ctx, act)
	return args.Get(0).(*model.Activity), args.Error(1)
}

func (m *MockDataSource) GetActivitiesByPost(ctx context.Context, postID string) ([]*model.Activity, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).([]*model.Activity), args.Error(1)
}
