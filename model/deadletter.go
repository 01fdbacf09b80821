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

package model

import "time"

// DeadLetterRecord captures a permanently failed scheduled message together
// with the payload snapshot an operator needs to inspect or replay it.
// Records are written once by the dispatch executor and only ever replayed by
// explicit operator action.
type DeadLetterRecord struct {
	ID                 int64                  `json:"-"`
	RunID              string                 `json:"run_id"`
	ThreadID           string                 `json:"thread_id"`
	SourceNode         string                 `json:"source_node"`
	ScheduledMessageID string                 `json:"scheduled_message_id"`
	Payload            map[string]interface{} `json:"payload"`
	ErrorMessage       string                 `json:"error_message"`
	RetryCount         int                    `json:"retry_count"`
	Retryable          bool                   `json:"retryable"`
	NextRetryAt        *time.Time             `json:"next_retry_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}
