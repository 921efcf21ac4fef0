package database

import (
	"context"
	"time"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

// RecordPublishError appends one failed-attempt record. Rows are never
// updated afterwards; each retry that fails adds its own row.
func (d Datasource) RecordPublishError(ctx context.Context, pubErr *model.PublishError) (*model.PublishError, error) {
	pubErr.ErrorID = GenerateUUIDWithSuffix("pberr")
	pubErr.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO publish_errors(error_id,post_id,platform,code,raw_error,message,suggestion,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		pubErr.ErrorID, pubErr.PostID, pubErr.Platform, pubErr.Code, pubErr.RawError, pubErr.Message, pubErr.Suggestion, pubErr.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record publish error", err)
	}
	return pubErr, nil
}

func (d Datasource) GetPublishErrors(ctx context.Context, postID string) ([]*model.PublishError, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT error_id, post_id, platform, code, raw_error, message, suggestion, created_at
		FROM publish_errors
		WHERE post_id = $1
		ORDER BY created_at
	`, postID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve publish errors", err)
	}
	defer func() { _ = rows.Close() }()

	var errs []*model.PublishError
	for rows.Next() {
		pubErr := &model.PublishError{}
		err = rows.Scan(&pubErr.ErrorID, &pubErr.PostID, &pubErr.Platform, &pubErr.Code, &pubErr.RawError, &pubErr.Message, &pubErr.Suggestion, &pubErr.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan publish error", err)
		}
		errs = append(errs, pubErr)
	}
	return errs, rows.Err()
}
