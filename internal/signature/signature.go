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

// Package signature authenticates inbound webhook payloads against a
// per-platform shared secret before any event is accepted into the system.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scheme selects how a platform encodes its webhook signature header.
type Scheme string

const (
	// SchemeHexHMAC expects "sha256=<hex(HMAC-SHA256(secret, body))>".
	SchemeHexHMAC Scheme = "hex"
	// SchemeBase64HMAC expects the same HMAC, base64-encoded, no prefix.
	SchemeBase64HMAC Scheme = "base64"
	// SchemeTimestamped expects "t=<unix>,v1=<hex>" with the HMAC computed
	// over "<t>.<body>" (Stripe-style).
	SchemeTimestamped Scheme = "timestamped"
)

// Tolerance is the maximum accepted clock skew for timestamped signatures.
// Anything older or newer is treated as a replay and rejected before the
// HMAC is computed.
const Tolerance = 300 * time.Second

// ParseScheme maps a configured scheme name to a Scheme. Unknown names fall
// back to the hex scheme.
func ParseScheme(name string) Scheme {
	switch strings.ToLower(name) {
	case string(SchemeBase64HMAC):
		return SchemeBase64HMAC
	case string(SchemeTimestamped):
		return SchemeTimestamped
	default:
		return SchemeHexHMAC
	}
}

// Verify reports whether header is a valid signature over rawBody under the
// given secret and scheme. A missing header or empty secret is always a
// rejection; verification is never skipped.
func Verify(rawBody []byte, header, secret string, scheme Scheme) bool {
	return VerifyAt(rawBody, header, secret, scheme, time.Now())
}

// VerifyAt is Verify with an explicit clock, used by the timestamped scheme
// for its staleness window.
func VerifyAt(rawBody []byte, header, secret string, scheme Scheme, now time.Time) bool {
	if header == "" || secret == "" {
		return false
	}

	switch scheme {
	case SchemeBase64HMAC:
		expected := base64.StdEncoding.EncodeToString(computeHMAC(rawBody, secret))
		return secureCompare(header, expected)
	case SchemeTimestamped:
		return verifyTimestamped(rawBody, header, secret, now)
	default:
		expected := fmt.Sprintf("sha256=%s", hex.EncodeToString(computeHMAC(rawBody, secret)))
		return secureCompare(header, expected)
	}
}

// verifyTimestamped parses "t=<unix>,v1=<hex>" and rejects stale timestamps
// before computing the HMAC, so replayed requests are turned away cheaply.
func verifyTimestamped(rawBody []byte, header, secret string, now time.Time) bool {
	var timestamp, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if timestamp == "" || sig == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(Tolerance.Seconds()) {
		return false
	}

	signed := fmt.Sprintf("%s.%s", timestamp, rawBody)
	expected := hex.EncodeToString(computeHMAC([]byte(signed), secret))
	return secureCompare(sig, expected)
}

func computeHMAC(rawBody []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return mac.Sum(nil)
}

// secureCompare rejects on length mismatch first, then compares in constant
// time so the comparison leaks nothing about where the values diverge.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
