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
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay/model"
)

func testAccount() *model.SocialAccount {
	return &model.SocialAccount{
		AccountID:   "acc_1",
		Platform:    Facebook,
		AccessToken: "tok",
	}
}

func testPost() *model.Post {
	return &model.Post{PostID: "post_1", Caption: "hello world"}
}

func newTestPublisher() *HTTPPublisher {
	p := NewHTTPPublisher(Facebook, "https://graph.example.com", 5*time.Second)
	httpmock.ActivateNonDefault(p.client)
	return p
}

func TestPublishSuccess(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewStringResponder(http.StatusCreated, `{"id":"fb_789"}`))

	id, err := p.Publish(context.Background(), testAccount(), testPost())
	require.NoError(t, err)
	assert.Equal(t, "fb_789", id)
}

func TestPublishTokenExpired(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":{"code":"190","message":"token expired"}}`))

	_, err := p.Publish(context.Background(), testAccount(), testPost())
	require.Error(t, err)

	pubErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeTokenExpired, pubErr.Code)
	assert.False(t, pubErr.Retryable)
}

func TestPublishServerErrorIsRetryable(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewStringResponder(http.StatusBadGateway, `{}`))

	_, err := p.Publish(context.Background(), testAccount(), testPost())
	require.Error(t, err)

	pubErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeUnavailable, pubErr.Code)
	assert.True(t, pubErr.Retryable)
}

func TestPublishRateLimitedIsRetryable(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewStringResponder(http.StatusTooManyRequests, `{"error":{"message":"rate limit"}}`))

	_, err := p.Publish(context.Background(), testAccount(), testPost())
	require.Error(t, err)

	pubErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimited, pubErr.Code)
	assert.True(t, pubErr.Retryable)
}

func TestPublishContentRejected(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"error":{"message":"caption too long"}}`))

	_, err := p.Publish(context.Background(), testAccount(), testPost())
	require.Error(t, err)

	pubErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeContentRejected, pubErr.Code)
	assert.False(t, pubErr.Retryable)
	assert.Equal(t, "caption too long", pubErr.Message)
}

func TestPublishNetworkErrorIsRetryable(t *testing.T) {
	p := newTestPublisher()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.example.com/posts",
		httpmock.NewErrorResponder(context.DeadlineExceeded))

	_, err := p.Publish(context.Background(), testAccount(), testPost())
	require.Error(t, err)

	pubErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, pubErr.Code)
	assert.True(t, pubErr.Retryable)
}

func TestRegistry(t *testing.T) {
	fb := NewMockPublisher(Facebook)
	ig := NewMockPublisher(Instagram)
	registry := NewRegistry(fb, ig)

	got, err := registry.Get(Facebook)
	require.NoError(t, err)
	assert.Equal(t, Facebook, got.Platform())

	_, err = registry.Get("myspace")
	assert.Error(t, err)
}

func TestSuggestionCoversKnownCodes(t *testing.T) {
	for _, code := range []string{CodeTokenExpired, CodeAccountNotFound, CodeContentRejected, CodeRateLimited, CodeUnavailable, CodeTimeout, CodeUnknown} {
		assert.NotEmpty(t, Suggestion(code))
	}
}
