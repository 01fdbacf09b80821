/*
Copyright 2025 ClinicFlow Authors.

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

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT        = "5080"
	DEFAULT_WORKER_PORT = "4040"
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
	Dns string `json:"dns" envconfig:"RELAY_REDIS_DNS"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"RELAY_TYPESENSE_DNS"`
	Key string `json:"key" envconfig:"RELAY_TYPESENSE_KEY"`
}

// GatewayConfig points the dispatcher at the outbound messaging gateway.
type GatewayConfig struct {
	BaseURL  string `json:"base_url" envconfig:"RELAY_GATEWAY_BASE_URL"`
	APIKey   string `json:"api_key" envconfig:"RELAY_GATEWAY_API_KEY"`
	Instance string `json:"instance" envconfig:"RELAY_GATEWAY_INSTANCE"`
}

// WorkerConfig drives the cron-managed dispatch and scheduler jobs.
type WorkerConfig struct {
	Port                string `json:"port" envconfig:"RELAY_WORKER_PORT"`
	WorkerID            string `json:"worker_id" envconfig:"RELAY_WORKER_ID"`
	BatchSize           int    `json:"batch_size" envconfig:"RELAY_WORKER_BATCH_SIZE"`
	PollIntervalMs      int    `json:"poll_interval_ms" envconfig:"RELAY_WORKER_POLL_INTERVAL_MS"`
	SchedulerIntervalMs int    `json:"scheduler_interval_ms" envconfig:"RELAY_WORKER_SCHEDULER_INTERVAL_MS"`
	MaxBackoffMs        int    `json:"max_backoff_ms" envconfig:"RELAY_WORKER_MAX_BACKOFF_MS"`
	LockStaleMinutes    int    `json:"lock_stale_minutes" envconfig:"RELAY_WORKER_LOCK_STALE_MINUTES"`
	DryRun              bool   `json:"dry_run" envconfig:"RELAY_WORKER_DRY_RUN"`
}

// RateLimitConfig caps API request throughput. Nil values disable limiting.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RELAY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"RELAY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"RELAY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
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
	ProjectName  string           `json:"project_name" envconfig:"RELAY_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	Worker       WorkerConfig     `json:"worker"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	TypeSense    TypeSenseConfig  `json:"typesense"`
	Gateway      GatewayConfig    `json:"gateway"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Notification Notification     `json:"notification"`
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
		cnf.ProjectName = "Relay Worker"
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
	cnf.Worker.Port = strings.TrimSpace(cnf.Worker.Port)
	cnf.Worker.WorkerID = strings.TrimSpace(cnf.Worker.WorkerID)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Gateway.BaseURL = strings.TrimSpace(cnf.Gateway.BaseURL)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Worker.Port == "" {
		cnf.Worker.Port = DEFAULT_WORKER_PORT
	}

	if cnf.Worker.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "relay-worker"
		}
		cnf.Worker.WorkerID = hostname
	}

	if cnf.Worker.BatchSize <= 0 {
		cnf.Worker.BatchSize = 25
	}

	if cnf.Worker.PollIntervalMs <= 0 {
		cnf.Worker.PollIntervalMs = 5000
	}

	if cnf.Worker.SchedulerIntervalMs <= 0 {
		cnf.Worker.SchedulerIntervalMs = 60000
	}

	if cnf.Worker.MaxBackoffMs <= 0 {
		cnf.Worker.MaxBackoffMs = cnf.Worker.PollIntervalMs * 10
	}

	// Rows claimed by a worker that crashed become reclaimable after this
	// window.
	if cnf.Worker.LockStaleMinutes <= 0 {
		cnf.Worker.LockStaleMinutes = 10
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
