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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relayhq/relay/internal/apierror"
)

// SignatureHeader is where platforms place the HMAC of the request body.
// Platforms that use their own header name are mapped onto this one at the
// edge proxy.
const SignatureHeader = "X-Relay-Signature"

// ReceiveWebhook verifies and records an inbound platform callback. The body
// must be read raw before any JSON decoding: the signature covers the exact
// bytes on the wire.
func (a Api) ReceiveWebhook(c *gin.Context) {
	platformName, passed := c.Params.Get("platform")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform is required. pass platform in the route /webhooks/:platform"})
		return
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	event, err := a.relay.AcceptWebhook(c.Request.Context(), platformName, rawBody, c.GetHeader(SignatureHeader))
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	// 201 only after the event row and queue task are durable. Platforms
	// treat anything else as a delivery failure and redeliver.
	c.JSON(http.StatusCreated, gin.H{"event_id": event.EventID, "status": event.Status})
}
