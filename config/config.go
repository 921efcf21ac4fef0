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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5200"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"RELAY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"RELAY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"RELAY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"RELAY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"RELAY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"RELAY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RELAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"RELAY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"RELAY_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig holds the durable queue settings. Publish jobs are sharded
// across NumberOfQueues queues so jobs for the same workspace are processed
// serially within one shard.
type QueueConfig struct {
	PublishQueue        string `json:"publish_queue" envconfig:"RELAY_QUEUE_PUBLISH"`
	WebhookQueue        string `json:"webhook_queue" envconfig:"RELAY_QUEUE_WEBHOOK"`
	JanitorQueue        string `json:"janitor_queue" envconfig:"RELAY_QUEUE_JANITOR"`
	NumberOfQueues      int    `json:"number_of_queues" envconfig:"RELAY_NUMBER_OF_QUEUES"`
	WorkerCount         int    `json:"worker_count" envconfig:"RELAY_QUEUE_WORKER_COUNT"`
	MaxRetryAttempts    int    `json:"max_retry_attempts" envconfig:"RELAY_QUEUE_MAX_RETRY_ATTEMPTS"`
	RetryBaseDelaySec   int    `json:"retry_base_delay_sec" envconfig:"RELAY_QUEUE_RETRY_BASE_DELAY_SEC"`
	CompletedRetentionH int    `json:"completed_retention_hours" envconfig:"RELAY_QUEUE_COMPLETED_RETENTION_HOURS"`
	FailedRetentionH    int    `json:"failed_retention_hours" envconfig:"RELAY_QUEUE_FAILED_RETENTION_HOURS"`
	PublishTimeoutSec   int    `json:"publish_timeout_sec" envconfig:"RELAY_QUEUE_PUBLISH_TIMEOUT_SEC"`
	LeaseDurationSec    int    `json:"lease_duration_sec" envconfig:"RELAY_QUEUE_LEASE_DURATION_SEC"`
	MonitoringPort      string `json:"monitoring_port" envconfig:"RELAY_QUEUE_MONITORING_PORT"`
}

// RateLimitPolicy describes one sliding-window limit: at most Max operations
// per WindowSec seconds. FailClosed controls behavior when the shared store
// is unreachable; the default is fail open.
type RateLimitPolicy struct {
	Max        int  `json:"max"`
	WindowSec  int  `json:"window_sec"`
	FailClosed bool `json:"fail_closed"`
}

func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSec) * time.Second
}

type RateLimitConfig struct {
	// Process-local limiter applied in front of every route. Disabled when
	// both values are nil.
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RELAY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"RELAY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"RELAY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`

	// Cluster-wide sliding-window policies, enforced through Redis.
	API       RateLimitPolicy `json:"api"`
	Auth      RateLimitPolicy `json:"auth"`
	Expensive RateLimitPolicy `json:"expensive"`
}

// PlatformConfig holds the per-platform integration settings: the webhook
// signature scheme and secret, the outbound rate ceiling and the API base
// URL used by the publisher client.
type PlatformConfig struct {
	BaseURL        string          `json:"base_url"`
	WebhookScheme  string          `json:"webhook_scheme"`
	WebhookSecret  string          `json:"webhook_secret"`
	Outbound       RateLimitPolicy `json:"outbound"`
	CallTimeoutSec int             `json:"call_timeout_sec"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string                    `json:"project_name" envconfig:"RELAY_PROJECT_NAME"`
	EnableTelemetry bool                      `json:"enable_telemetry" envconfig:"RELAY_ENABLE_TELEMETRY"`
	Server          ServerConfig              `json:"server"`
	DataSource      DataSourceConfig          `json:"data_source"`
	Redis           RedisConfig               `json:"redis"`
	Queue           QueueConfig               `json:"queue"`
	RateLimit       RateLimitConfig           `json:"rate_limit"`
	Platforms       map[string]PlatformConfig `json:"platforms"`
	Notification    Notification              `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("relay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called relay.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Relay Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.applyDefaults()
	cnf.RateLimit.applyDefaults()
	cnf.applyPlatformDefaults()

	return nil
}

func (q *QueueConfig) applyDefaults() {
	if q.PublishQueue == "" {
		q.PublishQueue = "new:publish"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "new:webhook"
	}
	if q.JanitorQueue == "" {
		q.JanitorQueue = "new:janitor"
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = 4
	}
	if q.WorkerCount <= 0 {
		q.WorkerCount = 5
	}
	if q.MaxRetryAttempts <= 0 {
		q.MaxRetryAttempts = 5
	}
	if q.RetryBaseDelaySec <= 0 {
		q.RetryBaseDelaySec = 1
	}
	if q.CompletedRetentionH <= 0 {
		q.CompletedRetentionH = 24
	}
	if q.FailedRetentionH <= 0 {
		q.FailedRetentionH = 24 * 7
	}
	if q.PublishTimeoutSec <= 0 {
		q.PublishTimeoutSec = 30
	}
	if q.LeaseDurationSec <= 0 {
		q.LeaseDurationSec = 300
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5201"
	}
}

func (r *RateLimitConfig) applyDefaults() {
	if r.RequestsPerSecond != nil && r.Burst == nil {
		defaultBurst := 2 * int(*r.RequestsPerSecond)
		r.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if r.RequestsPerSecond == nil && r.Burst != nil {
		defaultRPS := float64(*r.Burst) / 2
		r.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if r.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		r.CleanupIntervalSec = &defaultCleanup
	}

	if r.API.Max <= 0 {
		r.API = RateLimitPolicy{Max: 100, WindowSec: 60}
	}
	if r.Auth.Max <= 0 {
		r.Auth = RateLimitPolicy{Max: 10, WindowSec: 60}
	}
	if r.Expensive.Max <= 0 {
		r.Expensive = RateLimitPolicy{Max: 5, WindowSec: 60}
	}
}

func (cnf *Configuration) applyPlatformDefaults() {
	if cnf.Platforms == nil {
		cnf.Platforms = make(map[string]PlatformConfig)
	}
	for name, p := range cnf.Platforms {
		if p.Outbound.Max <= 0 {
			p.Outbound = RateLimitPolicy{Max: 10, WindowSec: 1}
		}
		if p.CallTimeoutSec <= 0 {
			p.CallTimeoutSec = cnf.Queue.PublishTimeoutSec
		}
		if p.WebhookScheme == "" {
			p.WebhookScheme = "hex"
		}
		cnf.Platforms[name] = p
	}
}

// Platform returns the configuration for the named platform, falling back to
// sane defaults when the platform is not configured explicitly.
func (cnf *Configuration) Platform(name string) PlatformConfig {
	if p, ok := cnf.Platforms[strings.ToLower(name)]; ok {
		return p
	}
	return PlatformConfig{
		Outbound:       RateLimitPolicy{Max: 10, WindowSec: 1},
		CallTimeoutSec: cnf.Queue.PublishTimeoutSec,
		WebhookScheme:  "hex",
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Queue.applyDefaults()
	mockConfig.RateLimit.applyDefaults()
	mockConfig.applyPlatformDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
