package database

import (
	"context"
	"time"

	"github.com/relayhq/relay/model"
)

// post is the repository for posts and their platform targets.
type post interface {
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	UpdatePostStatus(ctx context.Context, id string, status string, publishedAt *time.Time) error
	GetPostsByWorkspace(ctx context.Context, workspaceID string, limit int, offset int64) ([]*model.Post, error)
	GetStuckPublishingPosts(ctx context.Context, olderThan time.Time) ([]*model.Post, error)

	CreatePlatformTarget(ctx context.Context, target *model.PlatformTarget) (*model.PlatformTarget, error)
	GetTargetsByPost(ctx context.Context, postID string) ([]*model.PlatformTarget, error)
	MarkTargetPublished(ctx context.Context, targetID, platformPostID string, publishedAt time.Time) error
	MarkTargetFailed(ctx context.Context, targetID string) error
}

type socialAccount interface {
	GetSocialAccount(ctx context.Context, id string) (*model.SocialAccount, error)
	GetSocialAccountsByWorkspace(ctx context.Context, workspaceID string) ([]*model.SocialAccount, error)
}

type publishError interface {
	RecordPublishError(ctx context.Context, pubErr *model.PublishError) (*model.PublishError, error)
	GetPublishErrors(ctx context.Context, postID string) ([]*model.PublishError, error)
}

type webhookEvent interface {
	RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	ResolveWebhookEvent(ctx context.Context, id string, status string, processingErr string) error
	PurgeResolvedWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

type activity interface {
	RecordActivity(ctx context.Context, act *model.Activity) (*model.Activity, error)
	GetActivitiesByPost(ctx context.Context, postID string) ([]*model.Activity, error)
}

// IDataSource is the full persistence surface consumed by the worker and
// the API layer.
type IDataSource interface {
	post
	socialAccount
	publishError
	webhookEvent
	activity
}
