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

package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/relayhq/relay/model"
)

func signWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestReceiveWebhook(t *testing.T) {
	router, datasource := setupRouter(t)

	body := []byte(`{"id":"evt_123","type":"post.published","data":{"post_id":"post_1"}}`)
	datasource.On("RecordWebhookEvent", mock.Anything, mock.Anything).Return(&model.WebhookEvent{
		EventID:  "evt_123",
		Type:     "post.published",
		Platform: "facebook",
		Status:   model.WebhookEventPending,
	}, nil)

	var response map[string]string
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  bytes.NewBuffer(body),
		Response: &response,
		Method:   "POST",
		Route:    "/webhooks/facebook",
		Router:   router,
		Header:   map[string]string{SignatureHeader: signWebhookBody(body, "whsec_test")},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "evt_123", response["event_id"])
	datasource.AssertExpectations(t)
}

func TestReceiveWebhookBadSignature(t *testing.T) {
	router, datasource := setupRouter(t)

	body := []byte(`{"id":"evt_456","type":"post.published"}`)
	resp, err := SetUpTestRequest(TestRequest{
		Payload: bytes.NewBuffer(body),
		Method:  "POST",
		Route:   "/webhooks/facebook",
		Router:  router,
		Header:  map[string]string{SignatureHeader: signWebhookBody(body, "wrong_secret")},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	datasource.AssertNotCalled(t, "RecordWebhookEvent", mock.Anything, mock.Anything)
}

func TestReceiveWebhookUnknownPlatform(t *testing.T) {
	router, datasource := setupRouter(t)

	// tiktok has no webhook secret in the test config, only a fallback.
	body := []byte(`{"id":"evt_789","type":"post.published"}`)
	resp, err := SetUpTestRequest(TestRequest{
		Payload: bytes.NewBuffer(body),
		Method:  "POST",
		Route:   "/webhooks/tiktok",
		Router:  router,
		Header:  map[string]string{SignatureHeader: signWebhookBody(body, "whsec_test")},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	datasource.AssertNotCalled(t, "RecordWebhookEvent", mock.Anything, mock.Anything)
}
