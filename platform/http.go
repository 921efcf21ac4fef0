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

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayhq/relay/internal/request"
	"github.com/relayhq/relay/model"
)

// HTTPPublisher posts content to one platform's REST endpoint. All five
// built-in platforms share this shape; what differs per platform is the
// base URL and the payload field names.
type HTTPPublisher struct {
	platform string
	baseURL  string
	timeout  time.Duration
	client   *http.Client
}

func NewHTTPPublisher(platform, baseURL string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		platform: platform,
		baseURL:  baseURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPublisher) Platform() string {
	return p.platform
}

// publishResponse is the uniform success body expected from every platform
// endpoint.
type publishResponse struct {
	ID    string `json:"id"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish sends the post to the platform and classifies any failure.
// Timeouts and 5xx responses are retryable; 4xx responses are permanent.
func (p *HTTPPublisher) Publish(ctx context.Context, account *model.SocialAccount, post *model.Post) (string, error) {
	body, err := request.ToJsonReq(map[string]interface{}{
		"account_id": account.AccountID,
		"caption":    post.Caption,
		"metadata":   post.MetaData,
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding publish payload")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/posts", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", errors.Wrap(err, "building publish request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", account.AccessToken))

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors and deadline hits are indistinguishable to the
		// caller: both are transient.
		return "", &Error{
			Code:      CodeTimeout,
			Message:   fmt.Sprintf("%s did not respond", p.platform),
			RawError:  err.Error(),
			Retryable: true,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{
			Code:      CodeUnavailable,
			Message:   fmt.Sprintf("reading %s response failed", p.platform),
			RawError:  err.Error(),
			Retryable: true,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed publishResponse
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
			return "", &Error{
				Code:      CodeUnknown,
				Message:   fmt.Sprintf("%s returned an unreadable success response", p.platform),
				RawError:  string(raw),
				Retryable: false,
			}
		}
		return parsed.ID, nil
	}

	return "", p.classifyFailure(resp.StatusCode, raw)
}

func (p *HTTPPublisher) classifyFailure(status int, raw []byte) *Error {
	var parsed publishResponse
	_ = json.Unmarshal(raw, &parsed)

	message := parsed.Error.Message
	if message == "" {
		message = fmt.Sprintf("%s returned HTTP %d", p.platform, status)
	}

	pubErr := &Error{Message: message, RawError: string(raw)}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pubErr.Code = CodeTokenExpired
	case status == http.StatusNotFound:
		pubErr.Code = CodeAccountNotFound
	case status == http.StatusTooManyRequests:
		pubErr.Code = CodeRateLimited
		pubErr.Retryable = true
	case status >= 500:
		pubErr.Code = CodeUnavailable
		pubErr.Retryable = true
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		pubErr.Code = CodeContentRejected
	default:
		pubErr.Code = CodeUnknown
	}

	logrus.WithFields(logrus.Fields{
		"platform": p.platform,
		"status":   status,
		"code":     pubErr.Code,
	}).Warn("publish attempt failed")

	return pubErr
}
