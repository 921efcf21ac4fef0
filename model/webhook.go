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

import (
	"encoding/json"
	"time"
)

// WebhookEvent statuses. An event only ever exists after its signature
// verified; a rejected payload never creates one.
const (
	WebhookEventPending   = "pending"
	WebhookEventProcessed = "processed"
	WebhookEventFailed    = "failed"
)

// WebhookEvent is an authenticated inbound platform callback, persisted
// before any downstream processing runs.
type WebhookEvent struct {
	ID          int64           `json:"-"`
	EventID     string          `json:"id"`
	Type        string          `json:"type"`
	Platform    string          `json:"platform"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
