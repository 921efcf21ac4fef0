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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relayhq/relay"
	"github.com/relayhq/relay/api/middleware"
	"github.com/relayhq/relay/config"
)

type Api struct {
	relay  *relay.Relay
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	conf, err := config.Fetch()
	if err != nil {
		return a.router
	}
	router := a.router
	limiter := a.relay.Limiter()

	apiLimit := middleware.PolicyRateLimitMiddleware(limiter, "api", conf.RateLimit.API)
	expensiveLimit := middleware.PolicyRateLimitMiddleware(limiter, "expensive", conf.RateLimit.Expensive)

	router.POST("/posts", apiLimit, a.CreatePost)
	router.GET("/posts/:id", apiLimit, a.GetPost)
	router.GET("/posts", apiLimit, a.GetPosts)
	router.GET("/posts/:id/errors", apiLimit, a.GetPublishErrors)
	router.GET("/posts/:id/activities", apiLimit, a.GetActivities)
	router.POST("/posts/:id/cancel", apiLimit, a.CancelPost)

	router.POST("/publish", expensiveLimit, a.QueuePublish)
	router.GET("/jobs/:id", apiLimit, a.GetJob)

	router.POST("/recover-stuck-posts", expensiveLimit, a.RecoverStuckPosts)

	return a.router
}

func NewAPI(r *relay.Relay) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	router := gin.Default()
	router.Use(otelgin.Middleware("relay-api"))
	router.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware())
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	a := &Api{relay: r, router: router}

	// Inbound platform callbacks authenticate by signature, not secret key,
	// and get the tighter auth policy limiter.
	webhookLimit := middleware.PolicyRateLimitMiddleware(r.Limiter(), "auth", conf.RateLimit.Auth)
	router.POST("/webhooks/:platform", webhookLimit, a.ReceiveWebhook)

	return a
}
