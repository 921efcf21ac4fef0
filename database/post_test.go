package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

func TestCreatePost_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	post := &model.Post{
		WorkspaceID: "ws_1",
		Caption:     "Launch day!",
		Status:      model.PostStatusDraft,
		MetaData: map[string]interface{}{
			"campaign": "spring",
		},
	}

	metaDataJSON, err := json.Marshal(post.MetaData)
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO posts").
		WithArgs(sqlmock.AnyArg(), post.WorkspaceID, post.Caption, post.Status, nil, nil, sqlmock.AnyArg(), metaDataJSON).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreatePost(context.Background(), post)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.PostID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPost_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	metaDataJSON, _ := json.Marshal(map[string]interface{}{"campaign": "spring"})
	row := sqlmock.NewRows([]string{"post_id", "workspace_id", "caption", "status", "scheduled_at", "published_at", "created_at", "meta_data"}).
		AddRow("post_1", "ws_1", "Launch day!", model.PostStatusScheduled, time.Now(), nil, time.Now(), metaDataJSON)

	mock.ExpectQuery("SELECT post_id, workspace_id, caption, status").
		WithArgs("post_1").
		WillReturnRows(row)

	post, err := ds.GetPost(context.Background(), "post_1")
	assert.NoError(t, err)
	assert.Equal(t, "post_1", post.PostID)
	assert.Equal(t, model.PostStatusScheduled, post.Status)
	assert.Equal(t, "spring", post.MetaData["campaign"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPost_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT post_id, workspace_id, caption, status").
		WithArgs("post_missing").
		WillReturnRows(sqlmock.NewRows([]string{"post_id"}))

	_, err = ds.GetPost(context.Background(), "post_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestUpdatePostStatus_WithPublishedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE posts SET status").
		WithArgs("post_1", model.PostStatusPublished, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdatePostStatus(context.Background(), "post_1", model.PostStatusPublished, &now)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStuckPublishingPosts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	cutoff := time.Now().Add(-10 * time.Minute)

	rows := sqlmock.NewRows([]string{"post_id", "workspace_id", "caption", "status", "scheduled_at", "published_at", "created_at"}).
		AddRow("post_1", "ws_1", "stuck one", model.PostStatusPublishing, nil, nil, time.Now().Add(-time.Hour)).
		AddRow("post_2", "ws_2", "stuck two", model.PostStatusPublishing, nil, nil, time.Now().Add(-2*time.Hour))

	mock.ExpectQuery("SELECT post_id, workspace_id, caption, status").
		WithArgs(model.PostStatusPublishing, cutoff).
		WillReturnRows(rows)

	posts, err := ds.GetStuckPublishingPosts(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Len(t, posts, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTargetPublished_GuardsReplay(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	// The status guard makes a replay a zero-row update, not an error.
	mock.ExpectExec("UPDATE platform_targets").
		WithArgs("tgt_1", model.TargetStatusPublished, "fb_789", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.MarkTargetPublished(context.Background(), "tgt_1", "fb_789", now)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePlatformTarget_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	target := &model.PlatformTarget{
		PostID:          "post_1",
		SocialAccountID: "acc_1",
		Platform:        "facebook",
	}

	mock.ExpectExec("INSERT INTO platform_targets").
		WithArgs(sqlmock.AnyArg(), target.PostID, target.SocialAccountID, target.Platform, model.TargetStatusPending, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreatePlatformTarget(context.Background(), target)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.TargetID)
	assert.Equal(t, model.TargetStatusPending, created.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
