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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/relayhq/relay/api/model"
	"github.com/relayhq/relay/internal/apierror"
)

// CreatePost handles the creation of a draft post with its platform targets.
//
// Responses:
// - 400 Bad Request: If there's an error in binding JSON or validating the post.
// - 201 Created: If the post is successfully created.
func (a Api) CreatePost(c *gin.Context) {
	var newPost model2.CreatePost
	if err := c.ShouldBindJSON(&newPost); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newPost.ValidateCreatePost(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.relay.CreatePost(c.Request.Context(), newPost.ToPost(), newPost.AccountIDs)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// QueuePublish hands a post to the durable queue, optionally at a scheduled
// time. The response carries the job ID the client polls at GET /jobs/:id.
func (a Api) QueuePublish(c *gin.Context) {
	var req model2.PublishPost
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidatePublishPost(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	post, err := a.relay.GetPost(c.Request.Context(), req.PostID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	accountIDs := req.AccountIDs
	if len(accountIDs) == 0 {
		targets, err := a.relay.GetTargets(c.Request.Context(), post.PostID)
		if err != nil {
			c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		for _, target := range targets {
			accountIDs = append(accountIDs, target.SocialAccountID)
		}
	}

	job, err := a.relay.EnqueuePost(c.Request.Context(), post, accountIDs, req.ScheduledTime())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob reports the queue-side status of a publish job.
func (a Api) GetJob(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /jobs/:id"})
		return
	}

	status, err := a.relay.GetPublishJobStatus(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetPost returns a post with its platform targets.
func (a Api) GetPost(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /posts/:id"})
		return
	}

	post, err := a.relay.GetPost(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	targets, err := a.relay.GetTargets(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post, "targets": targets})
}

// GetPosts lists a workspace's posts.
func (a Api) GetPosts(c *gin.Context) {
	workspaceID := c.Query("workspace_id")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id query parameter is required"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		offset = 0
	}

	posts, err := a.relay.GetPostsByWorkspace(c.Request.Context(), workspaceID, limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, posts)
}

// GetPublishErrors returns the post's failure history with remediation
// suggestions.
func (a Api) GetPublishErrors(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /posts/:id/errors"})
		return
	}

	errs, err := a.relay.GetPublishErrors(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, errs)
}

// GetActivities returns the post's audit trail.
func (a Api) GetActivities(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /posts/:id/activities"})
		return
	}

	activities, err := a.relay.GetActivities(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, activities)
}

// CancelPost withdraws a scheduled publish job before it runs.
func (a Api) CancelPost(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /posts/:id/cancel"})
		return
	}

	var req struct {
		JobID string `json:"job_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.relay.CancelScheduledPost(c.Request.Context(), id, req.JobID); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "publish cancelled"})
}

// RecoverStuckPosts triggers an immediate recovery sweep. Operator endpoint.
func (a Api) RecoverStuckPosts(c *gin.Context) {
	var req struct {
		ThresholdMinutes int `json:"threshold_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	recovered, err := a.relay.RecoverStuckPosts(c.Request.Context(), time.Duration(req.ThresholdMinutes)*time.Minute)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}
