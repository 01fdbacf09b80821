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

package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestLocker_LockAndUnlock(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client, "scheduler-tick", "worker-a")

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)

	// A second holder cannot take the same key while the lease is live.
	other := NewLocker(client, "scheduler-tick", "worker-b")
	err = other.Lock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock for key scheduler-tick is already held")

	assert.NoError(t, locker.Unlock(context.Background()))

	err = other.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
}

func TestLocker_UnlockOnlyHolder(t *testing.T) {
	client, _ := newTestClient(t)
	holder := NewLocker(client, "scheduler-tick", "worker-a")
	impostor := NewLocker(client, "scheduler-tick", "worker-b")

	assert.NoError(t, holder.Lock(context.Background(), 5*time.Second))

	err := impostor.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key scheduler-tick")

	assert.NoError(t, holder.Unlock(context.Background()))
}
