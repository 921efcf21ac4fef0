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

// Package platform abstracts the outbound publish call to each social
// platform. The worker only sees the Publisher interface; real HTTP
// integrations and the test double both live behind it.
package platform

import (
	"context"
	"fmt"

	"github.com/relayhq/relay/model"
)

// Supported platform names.
const (
	Facebook  = "facebook"
	Instagram = "instagram"
	Twitter   = "twitter"
	LinkedIn  = "linkedin"
	TikTok    = "tiktok"
)

// Supported returns the built-in platform names.
func Supported() []string {
	return []string{Facebook, Instagram, Twitter, LinkedIn, TikTok}
}

// Error codes recorded in PublishError rows.
const (
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeAccountNotFound = "ACCOUNT_NOT_FOUND"
	CodeContentRejected = "CONTENT_REJECTED"
	CodeRateLimited     = "PLATFORM_RATE_LIMITED"
	CodeUnavailable     = "PLATFORM_UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeUnknown         = "UNKNOWN"
)

// Error is a classified publish failure. Retryable distinguishes transient
// faults (timeouts, 5xx, platform rate limits), which the job's backoff
// policy retries, from permanent ones (bad credentials, rejected content),
// which are recorded and not retried.
type Error struct {
	Code      string
	Message   string
	RawError  string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Suggestion maps an error code to an operator-facing remediation hint.
func Suggestion(code string) string {
	switch code {
	case CodeTokenExpired:
		return "Reconnect the social account to refresh its access token."
	case CodeAccountNotFound:
		return "The social account is no longer connected to this workspace. Remove the target or reconnect the account."
	case CodeContentRejected:
		return "The platform rejected this content. Review the caption and media against the platform's content rules."
	case CodeRateLimited:
		return "The platform is rate limiting this account. The attempt is retried automatically."
	case CodeUnavailable, CodeTimeout:
		return "The platform did not respond. The attempt is retried automatically."
	default:
		return "Retry the post. If the error persists, contact support with the error details."
	}
}

// Publisher delivers one post to one account on a single platform and
// returns the platform-side post ID.
type Publisher interface {
	Platform() string
	Publish(ctx context.Context, account *model.SocialAccount, post *model.Post) (string, error)
}

// Registry resolves a Publisher by platform name.
type Registry struct {
	publishers map[string]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[string]Publisher)}
	for _, p := range publishers {
		r.publishers[p.Platform()] = p
	}
	return r
}

// Register replaces the publisher for its platform name.
func (r *Registry) Register(p Publisher) {
	r.publishers[p.Platform()] = p
}

func (r *Registry) Get(platform string) (Publisher, error) {
	p, ok := r.publishers[platform]
	if !ok {
		return nil, &Error{
			Code:     CodeAccountNotFound,
			Message:  fmt.Sprintf("no publisher registered for platform %q", platform),
			RawError: fmt.Sprintf("unknown platform %q", platform),
		}
	}
	return p, nil
}
