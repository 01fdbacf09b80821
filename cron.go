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

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CronJobDefinition declares one periodic job for the cron manager.
type CronJobDefinition struct {
	Name       string
	Interval   time.Duration
	Task       func(ctx context.Context) error
	RunOnStart bool
	MaxBackoff time.Duration
}

// CronJobSnapshot is the externally visible state of one job, served by the
// health endpoint.
type CronJobSnapshot struct {
	Name                string     `json:"name"`
	Interval            string     `json:"interval"`
	Running             bool       `json:"running"`
	RunCount            int64      `json:"runCount"`
	SkipCount           int64      `json:"skipCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

type cronJobState struct {
	definition CronJobDefinition

	running             bool
	runCount            int64
	skipCount           int64
	consecutiveFailures int
	timer               *time.Timer
	lastRunAt           *time.Time
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	nextRunAt           *time.Time
	lastError           string
}

// CronManager runs registered jobs on fixed intervals with one timer per
// job. Each job reschedules itself after finishing, so a slow run can never
// stack a second invocation on top of itself: an overlapping fire is counted
// as a skip and pushed one interval out. Consecutive failures back the job
// off exponentially up to its max backoff; one success resets the ladder.
type CronManager struct {
	mu       sync.Mutex
	jobs     map[string]*cronJobState
	order    []string
	started  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCronManager() *CronManager {
	return &CronManager{jobs: make(map[string]*cronJobState)}
}

// Register adds a job. Registering the same name twice is a programming
// error and fails loudly.
func (m *CronManager) Register(definition CronJobDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[definition.Name]; exists {
		return fmt.Errorf("cron_job_already_registered:%s", definition.Name)
	}
	if definition.Interval <= 0 {
		definition.Interval = time.Second
	}
	if definition.MaxBackoff <= 0 {
		definition.MaxBackoff = definition.Interval * 10
	}

	m.jobs[definition.Name] = &cronJobState{definition: definition}
	m.order = append(m.order, definition.Name)
	return nil
}

// Start launches every registered job. Jobs with RunOnStart fire
// immediately; the rest wait one interval.
func (m *CronManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopping = false
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, name := range m.order {
		job := m.jobs[name]
		if job.definition.RunOnStart {
			m.wg.Add(1)
			go func(job *cronJobState) {
				defer m.wg.Done()
				m.execute(job)
			}(job)
			continue
		}
		m.scheduleLocked(job, job.definition.Interval)
	}
	m.mu.Unlock()
}

// Stop cancels all timers and waits for in-flight runs to drain.
func (m *CronManager) Stop() {
	m.mu.Lock()
	m.stopping = true
	if m.cancel != nil {
		m.cancel()
	}
	for _, job := range m.jobs {
		if job.timer != nil {
			job.timer.Stop()
			job.timer = nil
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Snapshot reports the state of every job in registration order.
func (m *CronManager) Snapshot() []CronJobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]CronJobSnapshot, 0, len(m.order))
	for _, name := range m.order {
		job := m.jobs[name]
		snapshots = append(snapshots, CronJobSnapshot{
			Name:                job.definition.Name,
			Interval:            job.definition.Interval.String(),
			Running:             job.running,
			RunCount:            job.runCount,
			SkipCount:           job.skipCount,
			ConsecutiveFailures: job.consecutiveFailures,
			LastRunAt:           job.lastRunAt,
			LastSuccessAt:       job.lastSuccessAt,
			LastFailureAt:       job.lastFailureAt,
			NextRunAt:           job.nextRunAt,
			LastError:           job.lastError,
		})
	}
	return snapshots
}

// calcBackoff doubles the interval per consecutive failure, with the
// exponent capped so the delay saturates rather than overflowing, and the
// result clamped to the job's max backoff.
func calcBackoff(interval time.Duration, failures int, maxBackoff time.Duration) time.Duration {
	if failures <= 0 {
		return interval
	}
	exp := failures - 1
	if exp > 6 {
		exp = 6
	}
	delay := interval * time.Duration(1<<uint(exp))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// scheduleLocked arms the job's timer. Caller holds m.mu.
func (m *CronManager) scheduleLocked(job *cronJobState, delay time.Duration) {
	if m.stopping {
		return
	}
	if delay <= 0 {
		delay = job.definition.Interval
	}
	next := time.Now().Add(delay)
	job.nextRunAt = &next
	job.timer = time.AfterFunc(delay, func() {
		m.wg.Add(1)
		defer m.wg.Done()
		m.execute(job)
	})
}

func (m *CronManager) execute(job *cronJobState) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	if job.running {
		job.skipCount++
		m.scheduleLocked(job, job.definition.Interval)
		m.mu.Unlock()
		return
	}

	job.running = true
	job.runCount++
	startedAt := time.Now()
	job.lastRunAt = &startedAt
	job.nextRunAt = nil
	ctx := m.ctx
	m.mu.Unlock()

	err := job.definition.Task(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	job.running = false

	if err != nil {
		job.consecutiveFailures++
		failedAt := time.Now()
		job.lastFailureAt = &failedAt
		job.lastError = err.Error()
		delay := calcBackoff(job.definition.Interval, job.consecutiveFailures, job.definition.MaxBackoff)
		logrus.Errorf("cron job %s failed (%d consecutive): %v, next run in %s", job.definition.Name, job.consecutiveFailures, err, delay)
		m.scheduleLocked(job, delay)
		return
	}

	job.consecutiveFailures = 0
	job.lastError = ""
	succeededAt := time.Now()
	job.lastSuccessAt = &succeededAt
	m.scheduleLocked(job, job.definition.Interval)
}
