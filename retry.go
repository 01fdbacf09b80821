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
	"fmt"
	"time"
)

// MaxRetryAttempts is the number of delivery attempts before a message is
// dead-lettered.
const MaxRetryAttempts = 3

// RetryWindow is the verdict of the retry policy after a failed attempt.
type RetryWindow struct {
	NextRetryAt      *time.Time
	SendToDeadLetter bool
}

// CalcRetryWindow decides what happens to a message after its retryCount-th
// failed attempt. Below the cap the next attempt is scheduled 2^retryCount
// minutes from now; at the cap the message goes to the dead-letter store.
func CalcRetryWindow(retryCount int, now time.Time) RetryWindow {
	if retryCount >= MaxRetryAttempts {
		return RetryWindow{SendToDeadLetter: true}
	}
	next := now.Add(time.Duration(1<<uint(retryCount)) * time.Minute)
	return RetryWindow{NextRetryAt: &next}
}

// GatewayFailureError builds the stable error string recorded for a rejected
// send, keyed by the gateway's HTTP status.
func GatewayFailureError(status int) string {
	return fmt.Sprintf("gateway_send_failed_%d", status)
}

// IsRetryableStatus reports whether a gateway failure is worth retrying by a
// replay: server-side errors and rate limiting are, client errors are not.
func IsRetryableStatus(status int) bool {
	return status >= 500 || status == 429
}
