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

package database

import (
	"context"
	"time"

	"github.com/clinicflow/relay/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	scheduledMessage // Interface for dispatch queue operations
	rule             // Interface for automation rule operations
	patient          // Interface for patient, appointment and chat operations
	deadLetter       // Interface for dead-letter operations
	runLog           // Interface for run log operations
}

// scheduledMessage defines methods for handling the dispatch queue.
type scheduledMessage interface {
	CreateScheduledMessage(ctx context.Context, msg *model.ScheduledMessage) (*model.ScheduledMessage, error)                       // Enqueues a message; duplicates by idempotency key are dropped
	ClaimScheduledMessages(ctx context.Context, workerID string, batchSize int, staleAfter time.Duration) ([]*model.ScheduledMessage, error) // Atomically claims a batch of due messages
	MarkDispatchSuccess(ctx context.Context, messageID, runID string, sentAt time.Time) error                                              // Finalizes a claimed message as sent
	MarkDispatchFailure(ctx context.Context, messageID, runID string, status string, retryCount int, nextRetryAt *time.Time, lastError string) error // Releases or finalizes a claimed message after a failed send
	GetScheduledMessage(ctx context.Context, messageID string) (*model.ScheduledMessage, error)                                     // Retrieves a scheduled message by ID
}

// rule defines methods for handling automation rules and their idempotency ledger.
type rule interface {
	GetActiveRulesByType(ctx context.Context, ruleType string) ([]*model.AutomationRule, error)            // Retrieves active rules of one type
	HasSentMilestone(ctx context.Context, ruleID string, patientID int64, milestoneAge int) (bool, error)  // Checks the milestone dedup ledger
	HasSentReminder(ctx context.Context, ruleID string, subjectKey string) (bool, error)                   // Checks the reminder dedup ledger
	RecordAutomationSent(ctx context.Context, history *model.SentHistory) error                            // Records a ledger entry
	RecordAutomationLog(ctx context.Context, logEntry *model.AutomationLog) error                          // Records an enqueue audit row
}

// patient defines methods for resolving recipients and reminder candidates.
type patient interface {
	GetMilestonePatients(ctx context.Context, day time.Time, ageMonths int) ([]*model.Patient, error)  // Patients whose birth date plus N months is the given day
	GetAppointmentsNeedingReminder(ctx context.Context, now time.Time) ([]*model.Appointment, error)   // Appointments starting tomorrow with enough booking lead
	GetReturnsNeedingReminder(ctx context.Context, now time.Time) ([]*model.MedicalCheckout, error)    // Checkouts whose return date is tomorrow
	EnsureChat(ctx context.Context, phone string, contactName string) (*model.Chat, error)             // Finds or creates the chat for a phone number
	RecordChatMessage(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error)         // Appends a sent message to the chat history
}

// deadLetter defines methods for the dead-letter store.
type deadLetter interface {
	InsertDeadLetter(ctx context.Context, rec *model.DeadLetterRecord) error                  // Records a permanently failed message
	GetDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterRecord, error) // Retrieves dead letters, newest first
}

// runLog defines methods for the append-only run log.
type runLog interface {
	RecordRunLogEvent(ctx context.Context, event *model.RunLogEvent) error // Appends one structured run event
}
