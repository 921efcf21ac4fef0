package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"

	_ "github.com/lib/pq"
)

func (d Datasource) CreatePost(ctx context.Context, post *model.Post) (*model.Post, error) {
	ctx, span := otel.Tracer("post.database").Start(ctx, "Saving post to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(post.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	post.PostID = GenerateUUIDWithSuffix("post")
	post.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO posts(post_id,workspace_id,caption,status,scheduled_at,published_at,created_at,meta_data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		post.PostID, post.WorkspaceID, post.Caption, post.Status, nullableTime(post.ScheduledAt), post.PublishedAt, post.CreatedAt, metaDataJSON,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create post", err)
	}

	return post, nil
}

func (d Datasource) GetPost(ctx context.Context, id string) (*model.Post, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT post_id, workspace_id, caption, status, scheduled_at, published_at, created_at, meta_data
		FROM posts
		WHERE post_id = $1
	`, id)

	post := &model.Post{}
	var metaDataJSON []byte
	var scheduledAt sql.NullTime
	err := row.Scan(&post.PostID, &post.WorkspaceID, &post.Caption, &post.Status, &scheduledAt, &post.PublishedAt, &post.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Post with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve post", err)
	}
	if scheduledAt.Valid {
		post.ScheduledAt = scheduledAt.Time
	}

	if len(metaDataJSON) > 0 {
		err = json.Unmarshal(metaDataJSON, &post.MetaData)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return post, nil
}

// UpdatePostStatus moves a post through its lifecycle. publishedAt is only
// written when non-nil, keeping the "set iff a target published" invariant
// with the worker.
func (d Datasource) UpdatePostStatus(ctx context.Context, id string, status string, publishedAt *time.Time) error {
	var err error
	if publishedAt != nil {
		_, err = d.Conn.ExecContext(ctx, `UPDATE posts SET status = $2, published_at = $3 WHERE post_id = $1`, id, status, publishedAt)
	} else {
		_, err = d.Conn.ExecContext(ctx, `UPDATE posts SET status = $2 WHERE post_id = $1`, id, status)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update post status", err)
	}
	return nil
}

func (d Datasource) GetPostsByWorkspace(ctx context.Context, workspaceID string, limit int, offset int64) ([]*model.Post, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT post_id, workspace_id, caption, status, scheduled_at, published_at, created_at
		FROM posts
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, workspaceID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve posts", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []*model.Post
	for rows.Next() {
		post := &model.Post{}
		var scheduledAt sql.NullTime
		err = rows.Scan(&post.PostID, &post.WorkspaceID, &post.Caption, &post.Status, &scheduledAt, &post.PublishedAt, &post.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan post", err)
		}
		if scheduledAt.Valid {
			post.ScheduledAt = scheduledAt.Time
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// GetStuckPublishingPosts finds posts left in PUBLISHING longer than the
// lease duration, i.e. whose worker died mid-job. The recovery sweep
// re-enqueues them.
func (d Datasource) GetStuckPublishingPosts(ctx context.Context, olderThan time.Time) ([]*model.Post, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT post_id, workspace_id, caption, status, scheduled_at, published_at, created_at
		FROM posts
		WHERE status = $1 AND created_at < $2
	`, model.PostStatusPublishing, olderThan)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck posts", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []*model.Post
	for rows.Next() {
		post := &model.Post{}
		var scheduledAt sql.NullTime
		err = rows.Scan(&post.PostID, &post.WorkspaceID, &post.Caption, &post.Status, &scheduledAt, &post.PublishedAt, &post.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan post", err)
		}
		if scheduledAt.Valid {
			post.ScheduledAt = scheduledAt.Time
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (d Datasource) CreatePlatformTarget(ctx context.Context, target *model.PlatformTarget) (*model.PlatformTarget, error) {
	target.TargetID = GenerateUUIDWithSuffix("tgt")
	target.CreatedAt = time.Now()
	if target.Status == "" {
		target.Status = model.TargetStatusPending
	}

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO platform_targets(target_id,post_id,social_account_id,platform,status,platform_post_id,published_at,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		target.TargetID, target.PostID, target.SocialAccountID, target.Platform, target.Status, target.PlatformPostID, target.PublishedAt, target.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create platform target", err)
	}
	return target, nil
}

func (d Datasource) GetTargetsByPost(ctx context.Context, postID string) ([]*model.PlatformTarget, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT target_id, post_id, social_account_id, platform, status, COALESCE(platform_post_id, ''), published_at, created_at
		FROM platform_targets
		WHERE post_id = $1
		ORDER BY id
	`, postID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve platform targets", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*model.PlatformTarget
	for rows.Next() {
		target := &model.PlatformTarget{}
		err = rows.Scan(&target.TargetID, &target.PostID, &target.SocialAccountID, &target.Platform, &target.Status, &target.PlatformPostID, &target.PublishedAt, &target.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan platform target", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// MarkTargetPublished completes a target. The status guard keeps the
// transition monotonic: a PUBLISHED target is never overwritten, so a
// replayed job cannot clobber platform_post_id or published_at.
func (d Datasource) MarkTargetPublished(ctx context.Context, targetID, platformPostID string, publishedAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE platform_targets
		SET status = $2, platform_post_id = $3, published_at = $4
		WHERE target_id = $1 AND status != $2
	`, targetID, model.TargetStatusPublished, platformPostID, publishedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark target published", err)
	}
	return nil
}

func (d Datasource) MarkTargetFailed(ctx context.Context, targetID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE platform_targets
		SET status = $2
		WHERE target_id = $1 AND status != $3
	`, targetID, model.TargetStatusFailed, model.TargetStatusPublished)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark target failed", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
