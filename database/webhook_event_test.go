package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/relayhq/relay/model"
)

func TestRecordWebhookEvent_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	event := &model.WebhookEvent{
		EventID:  "evt_123",
		Type:     "post.published",
		Platform: "facebook",
		Payload:  []byte(`{"id":"evt_123","type":"post.published"}`),
	}

	mock.ExpectExec("INSERT INTO webhook_events").
		WithArgs(event.EventID, event.Type, event.Platform, []byte(event.Payload), model.WebhookEventPending, nil, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorded, err := ds.RecordWebhookEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.Equal(t, "evt_123", recorded.EventID)
	assert.Equal(t, model.WebhookEventPending, recorded.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWebhookEvent_GeneratesIDWhenEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorded, err := ds.RecordWebhookEvent(context.Background(), &model.WebhookEvent{
		Type:     "post.removed",
		Platform: "twitter",
		Payload:  []byte(`{}`),
	})
	assert.NoError(t, err)
	assert.Contains(t, recorded.EventID, "whev_")
}

func TestRecordWebhookEvent_ReplayIsAbsorbed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// ON CONFLICT DO NOTHING: a redelivered event ID affects zero rows and
	// still succeeds.
	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = ds.RecordWebhookEvent(context.Background(), &model.WebhookEvent{
		EventID:  "evt_replayed",
		Type:     "post.published",
		Platform: "facebook",
		Payload:  []byte(`{}`),
	})
	assert.NoError(t, err)
}

func TestResolveWebhookEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE webhook_events").
		WithArgs("evt_123", model.WebhookEventProcessed, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.ResolveWebhookEvent(context.Background(), "evt_123", model.WebhookEventProcessed, "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeResolvedWebhookEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM webhook_events").
		WithArgs(model.WebhookEventPending, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	purged, err := ds.PurgeResolvedWebhookEvents(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
