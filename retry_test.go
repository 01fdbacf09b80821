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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalcRetryWindow_BackoffDoubles(t *testing.T) {
	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	first := CalcRetryWindow(1, now)
	assert.False(t, first.SendToDeadLetter)
	assert.Equal(t, now.Add(2*time.Minute), *first.NextRetryAt)

	second := CalcRetryWindow(2, now)
	assert.False(t, second.SendToDeadLetter)
	assert.Equal(t, now.Add(4*time.Minute), *second.NextRetryAt)
}

func TestCalcRetryWindow_ExhaustionDeadLetters(t *testing.T) {
	now := time.Now()

	third := CalcRetryWindow(3, now)
	assert.True(t, third.SendToDeadLetter)
	assert.Nil(t, third.NextRetryAt)

	beyond := CalcRetryWindow(7, now)
	assert.True(t, beyond.SendToDeadLetter)
	assert.Nil(t, beyond.NextRetryAt)
}

func TestGatewayFailureError(t *testing.T) {
	assert.Equal(t, "gateway_send_failed_503", GatewayFailureError(503))
	assert.Equal(t, "gateway_send_failed_429", GatewayFailureError(429))
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, IsRetryableStatus(500))
	assert.True(t, IsRetryableStatus(503))
	assert.True(t, IsRetryableStatus(429))
	assert.False(t, IsRetryableStatus(400))
	assert.False(t, IsRetryableStatus(404))
	assert.False(t, IsRetryableStatus(200))
}
