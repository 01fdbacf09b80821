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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/clinicflow/relay"
	"github.com/clinicflow/relay/config"
	"github.com/clinicflow/relay/internal/notification"
	pg_listener "github.com/clinicflow/relay/internal/pg-listener"
	"github.com/clinicflow/relay/model"
)

// workerHealth tracks the rolling state reported by the worker health endpoint.
type workerHealth struct {
	mu                 sync.RWMutex
	startedAt          time.Time
	lastDispatchRunAt  time.Time
	lastSchedulerRunAt time.Time
	lastError          string
}

func (h *workerHealth) recordDispatch(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastDispatchRunAt = time.Now()
	if err != nil {
		h.lastError = err.Error()
	}
}

func (h *workerHealth) recordScheduler(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSchedulerRunAt = time.Now()
	if err != nil {
		h.lastError = err.Error()
	}
}

// healthPayload is the JSON body served on GET /health.
type healthPayload struct {
	Ok                 bool                    `json:"ok"`
	StartedAt          time.Time               `json:"startedAt"`
	LastDispatchRunAt  *time.Time              `json:"lastDispatchRunAt,omitempty"`
	LastSchedulerRunAt *time.Time              `json:"lastSchedulerRunAt,omitempty"`
	LastError          string                  `json:"lastError,omitempty"`
	CronJobs           []relay.CronJobSnapshot `json:"cronJobs"`
}

func (h *workerHealth) payload(cron *relay.CronManager) healthPayload {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p := healthPayload{
		Ok:        true,
		StartedAt: h.startedAt,
		LastError: h.lastError,
		CronJobs:  cron.Snapshot(),
	}
	if !h.lastDispatchRunAt.IsZero() {
		t := h.lastDispatchRunAt
		p.LastDispatchRunAt = &t
	}
	if !h.lastSchedulerRunAt.IsZero() {
		t := h.lastSchedulerRunAt
		p.LastSchedulerRunAt = &t
	}
	return p
}

// runDispatchJob drains the due-message queue once. It is registered as the
// dispatch cron job and reports per-run counts at debug level.
func runDispatchJob(b *relayInstance, health *workerHealth) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, span := otel.Tracer("relay.worker").Start(ctx, "Dispatch Due Messages")
		defer span.End()

		summary, err := b.relay.ProcessDueMessages(ctx)
		health.recordDispatch(err)
		if err != nil {
			return err
		}
		if summary.ClaimedCount > 0 {
			logrus.Infof("dispatch run %s: claimed=%d sent=%d failed=%d dead_lettered=%d",
				summary.RunID, summary.ClaimedCount, summary.SentCount, summary.FailedCount, summary.DeadLetterCount)
		}
		return nil
	}
}

// runSchedulerJob evaluates the automation rules for the current tick.
func runSchedulerJob(b *relayInstance, health *workerHealth) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, span := otel.Tracer("relay.worker").Start(ctx, "Evaluate Automation Rules")
		defer span.End()

		summary, err := b.relay.EvaluateRules(ctx, time.Now())
		health.recordScheduler(err)
		if err != nil {
			return err
		}
		if summary.Skipped {
			logrus.Debugf("scheduler run %s: tick already claimed by another worker", summary.RunID)
			return nil
		}
		if summary.CreatedCount > 0 {
			logrus.Infof("scheduler run %s: enqueued=%d", summary.RunID, summary.CreatedCount)
		}
		return nil
	}
}

// dispatchWaker reacts to queue-insert notifications from Postgres so a
// freshly enqueued due message is dispatched without waiting out the poll
// interval. Claims are atomic, so racing the cron job is harmless.
type dispatchWaker struct {
	run func(ctx context.Context) error
}

func (w *dispatchWaker) HandleNotification(table string, data map[string]interface{}) error {
	if table != "scheduled_messages" {
		return nil
	}
	if status, ok := data["status"].(string); ok {
		row := model.ScheduledMessage{Status: status}
		if row.IsTerminal() {
			return nil
		}
	}
	if scheduledFor, ok := data["scheduled_for"].(string); ok {
		if t, err := time.Parse(time.RFC3339, scheduledFor); err == nil && t.After(time.Now()) {
			return nil
		}
	}
	return w.run(context.Background())
}

// registerWorkerJobs wires the dispatch and scheduler loops into the cron manager.
func registerWorkerJobs(b *relayInstance, cron *relay.CronManager, conf *config.Configuration, health *workerHealth) error {
	pollInterval := time.Duration(conf.Worker.PollIntervalMs) * time.Millisecond
	maxBackoff := time.Duration(conf.Worker.MaxBackoffMs) * time.Millisecond

	err := cron.Register(relay.CronJobDefinition{
		Name:       "scheduled_dispatch",
		Interval:   pollInterval,
		RunOnStart: true,
		MaxBackoff: maxBackoff,
		Task:       runDispatchJob(b, health),
	})
	if err != nil {
		return err
	}

	return cron.Register(relay.CronJobDefinition{
		Name:     "automation_scheduler",
		Interval: time.Duration(conf.Worker.SchedulerIntervalMs) * time.Millisecond,
		Task:     runSchedulerJob(b, health),
	})
}

// startHealthServer serves the worker health endpoint on the worker port.
func startHealthServer(cron *relay.CronManager, health *workerHealth, port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health.payload(cron)); err != nil {
			logrus.Errorf("error writing health response: %v", err)
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Worker health endpoint listening on %s/health", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not start worker health server: %v", err)
		}
	}()

	return srv
}

// workerCommands defines the "workers" command that runs the dispatch and
// scheduler loops until the process receives SIGINT or SIGTERM.
func workerCommands(b *relayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start relay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			health := &workerHealth{startedAt: time.Now()}
			cron := relay.NewCronManager()

			if err := registerWorkerJobs(b, cron, conf, health); err != nil {
				notification.NotifyError(err)
				log.Fatal(err)
			}

			cron.Start(ctx)
			srv := startHealthServer(cron, health, conf.Worker.Port)

			listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
				PgConnStr: conf.DataSource.Dns,
				Timeout:   time.Minute,
			}, &dispatchWaker{run: runDispatchJob(b, health)})
			go listener.Start()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit
			log.Printf("Received %s, draining in-flight runs", sig)

			// Let running jobs finish before closing the health endpoint so
			// orchestrators keep a live readiness signal during the drain.
			cron.Stop()

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down health server: %v", err)
			}

			log.Println("Worker stopped")
		},
	}

	return cmd
}
