package database

import (
	"context"
	"time"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

func (d Datasource) RecordActivity(ctx context.Context, act *model.Activity) (*model.Activity, error) {
	act.ActivityID = GenerateUUIDWithSuffix("act")
	act.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO activities(activity_id,post_id,workspace_id,summary,created_at) VALUES ($1,$2,$3,$4,$5)`,
		act.ActivityID, act.PostID, act.WorkspaceID, act.Summary, act.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record activity", err)
	}
	return act, nil
}

func (d Datasource) GetActivitiesByPost(ctx context.Context, postID string) ([]*model.Activity, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT activity_id, post_id, workspace_id, summary, created_at
		FROM activities
		WHERE post_id = $1
		ORDER BY created_at
	`, postID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve activities", err)
	}
	defer func() { _ = rows.Close() }()

	var acts []*model.Activity
	for rows.Next() {
		act := &model.Activity{}
		err = rows.Scan(&act.ActivityID, &act.PostID, &act.WorkspaceID, &act.Summary, &act.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan activity", err)
		}
		acts = append(acts, act)
	}
	return acts, rows.Err()
}
