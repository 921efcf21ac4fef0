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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/internal/apierror"
	"github.com/relayhq/relay/internal/signature"
	"github.com/relayhq/relay/model"
)

// Inbound event types platforms send us.
const (
	EventPostPublished  = "post.published"
	EventPostRemoved    = "post.removed"
	EventAccountRevoked = "account.revoked"
	EventCommentCreated = "comment.created"
	EventMessageCreated = "message.created"
	EventOrderCreated   = "order.created"
	EventMentionCreated = "mention.created"
)

// AcceptWebhook authenticates an inbound platform callback and, only after
// the signature verifies, persists it and queues it for processing. The raw
// body bytes are verified exactly as received; any re-serialization would
// change the digest.
func (r *Relay) AcceptWebhook(ctx context.Context, platformName string, rawBody []byte, signatureHeader string) (*model.WebhookEvent, error) {
	ctx, span := tracer.Start(ctx, "Accepting Platform Webhook")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	pc := cfg.Platform(platformName)
	if pc.WebhookSecret == "" {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, fmt.Sprintf("no webhook secret configured for %s", platformName), nil)
	}

	scheme := signature.ParseScheme(pc.WebhookScheme)
	if !signature.Verify(rawBody, signatureHeader, pc.WebhookSecret, scheme) {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "webhook signature verification failed", nil)
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "webhook payload is not valid JSON", err)
	}
	event := &model.WebhookEvent{
		EventID:  envelope.ID,
		Type:     envelope.Type,
		Platform: platformName,
		Payload:  rawBody,
		Status:   model.WebhookEventPending,
	}
	event, err = r.datasource.RecordWebhookEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	if err := r.queue.EnqueueWebhookEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// ProcessWebhookEvent is the queue handler for inbound platform events. It
// routes on event type; unknown types resolve as processed so a platform
// adding new event kinds does not poison the queue.
func (r *Relay) ProcessWebhookEvent(ctx context.Context, task *asynq.Task) error {
	var event model.WebhookEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		log.Printf("Error unmarshaling webhook event payload: %v", err)
		return err
	}

	var handleErr error
	switch event.Type {
	case EventPostPublished:
		handleErr = r.handlePostPublished(ctx, &event)
	case EventPostRemoved:
		handleErr = r.handlePostRemoved(ctx, &event)
	case EventAccountRevoked:
		handleErr = r.handleAccountRevoked(ctx, &event)
	case EventCommentCreated:
		handleErr = r.handleCommentCreated(ctx, &event)
	case EventMessageCreated:
		handleErr = r.handleMessageCreated(ctx, &event)
	case EventOrderCreated:
		handleErr = r.handleOrderCreated(ctx, &event)
	case EventMentionCreated:
		handleErr = r.handleMentionCreated(ctx, &event)
	default:
		logrus.Infof("ignoring webhook event %s of unknown type %q", event.EventID, event.Type)
	}

	if handleErr != nil {
		if err := r.datasource.ResolveWebhookEvent(ctx, event.EventID, model.WebhookEventFailed, handleErr.Error()); err != nil {
			logrus.Errorf("failed to resolve webhook event %s: %v", event.EventID, err)
		}
		return handleErr
	}
	return r.datasource.ResolveWebhookEvent(ctx, event.EventID, model.WebhookEventProcessed, "")
}

// handlePostPublished confirms an asynchronous publish. Some platforms accept
// the post and only later confirm the final ID via webhook; the confirmation
// completes the target the same guarded way the worker does.
func (r *Relay) handlePostPublished(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		PostID         string `json:"post_id"`
		AccountID      string `json:"account_id"`
		PlatformPostID string `json:"platform_post_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.PostID == "" || payload.AccountID == "" {
		return fmt.Errorf("post.published event %s is missing post_id or account_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		targets, err := r.datasource.GetTargetsByPost(ctx, payload.PostID)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if target.SocialAccountID != payload.AccountID {
				continue
			}
			if err := r.datasource.MarkTargetPublished(ctx, target.TargetID, payload.PlatformPostID, time.Now()); err != nil {
				return err
			}
			now := time.Now()
			if err := r.datasource.UpdatePostStatus(ctx, payload.PostID, model.PostStatusPublished, &now); err != nil {
				return err
			}
			r.invalidatePost(ctx, payload.PostID)
			return nil
		}
		return fmt.Errorf("no target for account %s on post %s", payload.AccountID, payload.PostID)
	})
}

// handlePostRemoved records that a platform took a published post down.
func (r *Relay) handlePostRemoved(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		PostID string `json:"post_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.PostID == "" {
		return fmt.Errorf("post.removed event %s is missing post_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		post, err := r.datasource.GetPost(ctx, payload.PostID)
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("%s removed the post: %s", event.Platform, payload.Reason)
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			PostID:      post.PostID,
			WorkspaceID: post.WorkspaceID,
			Summary:     summary,
		})
		return err
	})
}

// handleAccountRevoked records a revoked connection so pending jobs fail fast
// on the token pre-check instead of burning platform calls.
func (r *Relay) handleAccountRevoked(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.AccountID == "" {
		return fmt.Errorf("account.revoked event %s is missing account_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		account, err := r.datasource.GetSocialAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		logrus.Warnf("%s revoked access for account %s (%s)", event.Platform, account.AccountID, account.Handle)
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			WorkspaceID: account.WorkspaceID,
			Summary:     fmt.Sprintf("%s access for @%s was revoked", event.Platform, account.Handle),
		})
		return err
	})
}

// handleCommentCreated syncs an inbound comment into the post's activity
// feed so the workspace sees engagement without polling the platform.
func (r *Relay) handleCommentCreated(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		PostID string `json:"post_id"`
		Author string `json:"author"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.PostID == "" {
		return fmt.Errorf("comment.created event %s is missing post_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		post, err := r.datasource.GetPost(ctx, payload.PostID)
		if err != nil {
			return err
		}
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			PostID:      post.PostID,
			WorkspaceID: post.WorkspaceID,
			Summary:     fmt.Sprintf("%s commented on %s: %s", payload.Author, event.Platform, payload.Text),
		})
		return err
	})
}

// handleMessageCreated is the DM automation trigger. The automation engine
// itself lives upstream; Relay records the inbound message and notifies the
// workspace webhook so automations can react.
func (r *Relay) handleMessageCreated(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		AccountID string `json:"account_id"`
		Sender    string `json:"sender"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.AccountID == "" {
		return fmt.Errorf("message.created event %s is missing account_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		account, err := r.datasource.GetSocialAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			WorkspaceID: account.WorkspaceID,
			Summary:     fmt.Sprintf("%s received a direct message on %s", account.Handle, event.Platform),
		})
		if err != nil {
			return err
		}
		return SendWebhook(NewWebhook{
			Event:   EventMessageCreated,
			Payload: map[string]string{"account_id": account.AccountID, "sender": payload.Sender, "text": payload.Text},
		})
	})
}

// handleOrderCreated attributes a platform-side conversion back to the post
// that drove it.
func (r *Relay) handleOrderCreated(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		PostID  string `json:"post_id"`
		OrderID string `json:"order_id"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.PostID == "" || payload.OrderID == "" {
		return fmt.Errorf("order.created event %s is missing post_id or order_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		post, err := r.datasource.GetPost(ctx, payload.PostID)
		if err != nil {
			return err
		}
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			PostID:      post.PostID,
			WorkspaceID: post.WorkspaceID,
			Summary:     fmt.Sprintf("order %s (%s) attributed to this post on %s", payload.OrderID, payload.Amount, event.Platform),
		})
		return err
	})
}

// handleMentionCreated surfaces user-generated content that tags one of the
// workspace's accounts.
func (r *Relay) handleMentionCreated(ctx context.Context, event *model.WebhookEvent) error {
	var payload struct {
		AccountID      string `json:"account_id"`
		Author         string `json:"author"`
		PlatformPostID string `json:"platform_post_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.AccountID == "" {
		return fmt.Errorf("mention.created event %s is missing account_id", event.EventID)
	}

	return r.withRetries(ctx, func() error {
		account, err := r.datasource.GetSocialAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		_, err = r.datasource.RecordActivity(ctx, &model.Activity{
			WorkspaceID: account.WorkspaceID,
			Summary:     fmt.Sprintf("%s mentioned @%s in %s on %s", payload.Author, account.Handle, payload.PlatformPostID, event.Platform),
		})
		return err
	})
}

// withRetries runs fn with short exponential backoff. Webhook handlers touch
// the database a few times; a blip should not fail the whole event.
func (r *Relay) withRetries(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(fn, bo)
}

// NewWebhook represents the structure of an outbound webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// getEventFromStatus maps a post status to a corresponding event string.
func getEventFromStatus(status string) string {
	switch status {
	case model.PostStatusScheduled:
		return "post.scheduled"
	case model.PostStatusPublishing:
		return "post.publishing"
	case model.PostStatusPublished:
		return "post.published"
	case model.PostStatusFailed:
		return "post.failed"
	default:
		return "post.unknown"
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
func processHTTP(data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Println("Error marshaling data:", err)
		return err
	}
	payload := bytes.NewBuffer(jsonData)

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Request failed with status code: %d\n", resp.StatusCode)
		return nil
	}

	log.Println("Webhook notification sent:", data.Event)
	return nil
}

// SendWebhook enqueues an outbound notification about a post status change.
// A consumer URL is optional; with none configured this is a no-op.
func SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: conf.Redis.Dns})
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	queueName := conf.Queue.WebhookQueue + ":outbound"
	task := asynq.NewTask(queueName, payload, asynq.Queue(queueName))
	info, err := client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessOutboundWebhook processes an outbound notification task from the
// queue.
func ProcessOutboundWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Processing webhook: %+v\n", payload.Event)
	return processHTTP(payload)
}
