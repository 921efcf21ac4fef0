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
	"sync"

	"github.com/relayhq/relay/model"
)

// MockPublisher is the in-memory Publisher used by worker tests. It records
// every call and answers from a per-account script.
type MockPublisher struct {
	mu       sync.Mutex
	platform string
	results  map[string]mockResult
	calls    []string
}

type mockResult struct {
	postID string
	err    error
}

func NewMockPublisher(platform string) *MockPublisher {
	return &MockPublisher{
		platform: platform,
		results:  make(map[string]mockResult),
	}
}

func (m *MockPublisher) Platform() string {
	return m.platform
}

// Succeed scripts a successful publish for the account.
func (m *MockPublisher) Succeed(accountID, platformPostID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[accountID] = mockResult{postID: platformPostID}
}

// Fail scripts a failure for the account.
func (m *MockPublisher) Fail(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[accountID] = mockResult{err: err}
}

func (m *MockPublisher) Publish(_ context.Context, account *model.SocialAccount, _ *model.Post) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, account.AccountID)
	res, ok := m.results[account.AccountID]
	if !ok {
		return "", &Error{
			Code:     CodeAccountNotFound,
			Message:  "no scripted result for account",
			RawError: "unscripted mock call",
		}
	}
	if res.err != nil {
		return "", res.err
	}
	return res.postID, nil
}

// Calls returns the account IDs publish was invoked with, in order.
func (m *MockPublisher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
