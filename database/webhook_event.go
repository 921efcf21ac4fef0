package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/model"
)

// RecordWebhookEvent durably accepts an authenticated platform callback.
// Callers only invoke this after the signature verified.
func (d Datasource) RecordWebhookEvent(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error) {
	ctx, span := otel.Tracer("webhook.database").Start(ctx, "Saving webhook event to db")
	defer span.End()

	if event.EventID == "" {
		event.EventID = GenerateUUIDWithSuffix("whev")
	}
	event.CreatedAt = time.Now()
	if event.Status == "" {
		event.Status = model.WebhookEventPending
	}

	// Platforms redeliver; a replayed event ID is absorbed, not an error.
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO webhook_events(event_id,type,platform,payload,status,processed_at,error,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.Type, event.Platform, []byte(event.Payload), event.Status, event.ProcessedAt, event.Error, event.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record webhook event", err)
	}
	return event, nil
}

func (d Datasource) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT event_id, type, platform, payload, status, processed_at, COALESCE(error, ''), created_at
		FROM webhook_events
		WHERE event_id = $1
	`, id)

	event := &model.WebhookEvent{}
	var payload []byte
	err := row.Scan(&event.EventID, &event.Type, &event.Platform, &payload, &event.Status, &event.ProcessedAt, &event.Error, &event.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Webhook event with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve webhook event", err)
	}
	event.Payload = payload

	return event, nil
}

// PurgeResolvedWebhookEvents deletes processed and failed events older than
// the cutoff. Pending events are kept regardless of age.
func (d Datasource) PurgeResolvedWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := d.Conn.ExecContext(ctx, `
		DELETE FROM webhook_events
		WHERE status != $1 AND created_at < $2
	`, model.WebhookEventPending, olderThan)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to purge webhook events", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return purged, nil
}

// ResolveWebhookEvent marks an event processed or failed once downstream
// handling finishes.
func (d Datasource) ResolveWebhookEvent(ctx context.Context, id string, status string, processingErr string) error {
	now := time.Now()
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $2, processed_at = $3, error = $4
		WHERE event_id = $1
	`, id, status, now, processingErr)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve webhook event", err)
	}
	return nil
}
