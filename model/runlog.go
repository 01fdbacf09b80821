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

// Run log levels.
const (
	RunLogInfo  = "info"
	RunLogError = "error"
)

// RunLogEvent is one append-only structured event emitted during a scheduler
// or dispatcher run, correlated by run and thread identifiers.
type RunLogEvent struct {
	ID        int64                  `json:"-"`
	RunID     string                 `json:"run_id"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	JobName   string                 `json:"job_name"`
	NodeName  string                 `json:"node_name"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
