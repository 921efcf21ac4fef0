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

package model

import "time"

// Post statuses. A post is mutated only by the worker once a publish job is
// in flight; PublishedAt is set iff at least one target reached PUBLISHED.
const (
	PostStatusDraft      = "DRAFT"
	PostStatusScheduled  = "SCHEDULED"
	PostStatusPublishing = "PUBLISHING"
	PostStatusPublished  = "PUBLISHED"
	PostStatusFailed     = "FAILED"
)

// PlatformTarget statuses. Transitions are monotonic within one job attempt:
// PENDING may move to PUBLISHED or FAILED, never back. A PUBLISHED target is
// never re-attempted.
const (
	TargetStatusPending   = "PENDING"
	TargetStatusPublished = "PUBLISHED"
	TargetStatusFailed    = "FAILED"
)

// Post is the aggregate root for one piece of content scheduled for delivery
// to one or more platform targets.
type Post struct {
	ID          int64                  `json:"-"`
	PostID      string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	Caption     string                 `json:"caption"`
	Status      string                 `json:"status"`
	ScheduledAt time.Time              `json:"scheduled_at,omitempty"`
	PublishedAt *time.Time             `json:"published_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
}

// PlatformTarget is one (post, social account) pairing and its independent
// delivery outcome.
type PlatformTarget struct {
	ID              int64      `json:"-"`
	TargetID        string     `json:"id"`
	PostID          string     `json:"post_id"`
	SocialAccountID string     `json:"social_account_id"`
	Platform        string     `json:"platform"`
	Status          string     `json:"status"`
	PlatformPostID  string     `json:"platform_post_id,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Eligible reports whether the target may still be attempted. Targets that
// already published are skipped on retries so completion stays idempotent.
func (t *PlatformTarget) Eligible() bool {
	return t.Status != TargetStatusPublished
}

// SocialAccount is the worker's view of a connected platform account. The
// credential provider is opaque; only the access token and its expiry matter
// here.
type SocialAccount struct {
	ID             int64     `json:"-"`
	AccountID      string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id"`
	Platform       string    `json:"platform"`
	Handle         string    `json:"handle"`
	AccessToken    string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// TokenExpired reports whether the account's access token is past expiry.
// A zero expiry means the token does not expire.
func (a *SocialAccount) TokenExpired(now time.Time) bool {
	return !a.TokenExpiresAt.IsZero() && now.After(a.TokenExpiresAt)
}

// PublishError is an append-only record of one failed target attempt. Rows
// accumulate across retries so operators can see the full failure history.
type PublishError struct {
	ID         int64     `json:"-"`
	ErrorID    string    `json:"id"`
	PostID     string    `json:"post_id"`
	Platform   string    `json:"platform"`
	Code       string    `json:"code"`
	RawError   string    `json:"raw_error"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity is one audit record summarizing a worker action, e.g.
// "published to 2/3 platforms".
type Activity struct {
	ID          int64     `json:"-"`
	ActivityID  string    `json:"id"`
	PostID      string    `json:"post_id"`
	WorkspaceID string    `json:"workspace_id"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}
