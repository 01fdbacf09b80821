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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalcBackoff(t *testing.T) {
	interval := 5 * time.Second
	maxBackoff := 50 * time.Second

	assert.Equal(t, interval, calcBackoff(interval, 0, maxBackoff))
	assert.Equal(t, 5*time.Second, calcBackoff(interval, 1, maxBackoff))
	assert.Equal(t, 10*time.Second, calcBackoff(interval, 2, maxBackoff))
	assert.Equal(t, 20*time.Second, calcBackoff(interval, 3, maxBackoff))
	assert.Equal(t, 40*time.Second, calcBackoff(interval, 4, maxBackoff))

	// Clamped to max backoff from here on.
	assert.Equal(t, maxBackoff, calcBackoff(interval, 5, maxBackoff))
	assert.Equal(t, maxBackoff, calcBackoff(interval, 20, maxBackoff))
}

func TestCalcBackoff_ExponentSaturates(t *testing.T) {
	interval := time.Millisecond
	huge := 24 * time.Hour

	// The exponent caps at 6 regardless of how many failures accumulate.
	assert.Equal(t, 64*time.Millisecond, calcBackoff(interval, 7, huge))
	assert.Equal(t, 64*time.Millisecond, calcBackoff(interval, 1000, huge))
}

func TestCronManager_RegisterDuplicate(t *testing.T) {
	m := NewCronManager()

	err := m.Register(CronJobDefinition{Name: "dispatch", Interval: time.Second, Task: func(ctx context.Context) error { return nil }})
	assert.NoError(t, err)

	err = m.Register(CronJobDefinition{Name: "dispatch", Interval: time.Second, Task: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cron_job_already_registered")
}

func TestCronManager_RunsPeriodically(t *testing.T) {
	m := NewCronManager()
	var runs int64

	err := m.Register(CronJobDefinition{
		Name:       "ticker",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Task: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})
	assert.NoError(t, err)

	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	m.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&runs), int64(3))

	snapshots := m.Snapshot()
	assert.Len(t, snapshots, 1)
	assert.Equal(t, "ticker", snapshots[0].Name)
	assert.False(t, snapshots[0].Running)
	assert.NotNil(t, snapshots[0].LastSuccessAt)
	assert.Zero(t, snapshots[0].ConsecutiveFailures)
}

func TestCronManager_FailureBacksOffAndRecovers(t *testing.T) {
	m := NewCronManager()
	var calls int64

	err := m.Register(CronJobDefinition{
		Name:       "flaky",
		Interval:   10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		RunOnStart: true,
		Task: func(ctx context.Context) error {
			if atomic.AddInt64(&calls, 1) <= 2 {
				return errors.New("boom")
			}
			return nil
		},
	})
	assert.NoError(t, err)

	m.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	m.Stop()

	snapshots := m.Snapshot()
	assert.Len(t, snapshots, 1)

	// Two failures happened, then a success reset the ladder.
	assert.Zero(t, snapshots[0].ConsecutiveFailures)
	assert.Empty(t, snapshots[0].LastError)
	assert.NotNil(t, snapshots[0].LastFailureAt)
	assert.NotNil(t, snapshots[0].LastSuccessAt)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))
}

func TestCronManager_OverlappingFireCountsAsSkip(t *testing.T) {
	m := NewCronManager()
	release := make(chan struct{})
	started := make(chan struct{})

	err := m.Register(CronJobDefinition{
		Name:       "slow",
		Interval:   time.Hour,
		RunOnStart: true,
		Task: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	assert.NoError(t, err)

	m.Start(context.Background())
	<-started

	// Fire the job again while the first run is still going; the manager
	// must skip instead of stacking a second invocation.
	m.execute(m.jobs["slow"])

	snapshots := m.Snapshot()
	assert.Equal(t, int64(1), snapshots[0].SkipCount)
	assert.True(t, snapshots[0].Running)

	close(release)
	m.Stop()
}

func TestCronManager_StopDrainsInFlightRun(t *testing.T) {
	m := NewCronManager()
	blocked := make(chan struct{})
	done := make(chan struct{})

	err := m.Register(CronJobDefinition{
		Name:       "drainer",
		Interval:   time.Hour,
		RunOnStart: true,
		Task: func(ctx context.Context) error {
			close(blocked)
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	assert.NoError(t, err)

	m.Start(context.Background())
	<-blocked

	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not drain the in-flight run")
	}
}
