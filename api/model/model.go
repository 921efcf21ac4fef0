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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/relayhq/relay/model"
)

// CreatePost is the request body for POST /posts.
type CreatePost struct {
	WorkspaceID string                 `json:"workspace_id"`
	Caption     string                 `json:"caption"`
	AccountIDs  []string               `json:"account_ids"`
	MetaData    map[string]interface{} `json:"meta_data"`
}

// PublishPost is the request body for POST /publish.
type PublishPost struct {
	PostID      string   `json:"post_id"`
	AccountIDs  []string `json:"account_ids"`
	ScheduledAt string   `json:"scheduled_at"`
}

func validateDateFormat(value string) error {
	_, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return errors.New("please format the scheduled date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func (p *CreatePost) ValidateCreatePost() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkspaceID, validation.Required),
		validation.Field(&p.Caption, validation.Required, validation.Length(1, 5000)),
		validation.Field(&p.AccountIDs, validation.Required, validation.Length(1, 0)),
	)
}

func (p *PublishPost) ValidatePublishPost() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.PostID, validation.Required),
		validation.Field(&p.ScheduledAt, validation.When(p.ScheduledAt != "", validation.By(func(value interface{}) error {
			dateStr, ok := value.(string)
			if !ok {
				return errors.New("invalid type for scheduled date")
			}
			return validateDateFormat(dateStr)
		})),
		),
	)
}

// ToPost converts the request into a domain post.
func (p *CreatePost) ToPost() *model.Post {
	return &model.Post{
		WorkspaceID: p.WorkspaceID,
		Caption:     p.Caption,
		MetaData:    p.MetaData,
	}
}

// ScheduledTime returns the parsed schedule time, zero when publishing now.
func (p *PublishPost) ScheduledTime() time.Time {
	if p.ScheduledAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, p.ScheduledAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
