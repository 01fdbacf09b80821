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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/clinicflow/relay/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Scheduled message methods

func (m *MockDataSource) CreateScheduledMessage(ctx context.Context, msg *model.ScheduledMessage) (*model.ScheduledMessage, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScheduledMessage), args.Error(1)
}

func (m *MockDataSource) ClaimScheduledMessages(ctx context.Context, workerID string, batchSize int, staleAfter time.Duration) ([]*model.ScheduledMessage, error) {
	args := m.Called(ctx, workerID, batchSize, staleAfter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ScheduledMessage), args.Error(1)
}

func (m *MockDataSource) MarkDispatchSuccess(ctx context.Context, messageID, runID string, sentAt time.Time) error {
	args := m.Called(ctx, messageID, runID, sentAt)
	return args.Error(0)
}

func (m *MockDataSource) MarkDispatchFailure(ctx context.Context, messageID, runID string, status string, retryCount int, nextRetryAt *time.Time, lastError string) error {
	args := m.Called(ctx, messageID, runID, status, retryCount, nextRetryAt, lastError)
	return args.Error(0)
}

func (m *MockDataSource) GetScheduledMessage(ctx context.Context, messageID string) (*model.ScheduledMessage, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScheduledMessage), args.Error(1)
}

// Rule methods

func (m *MockDataSource) GetActiveRulesByType(ctx context.Context, ruleType string) ([]*model.AutomationRule, error) {
	args := m.Called(ctx, ruleType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.AutomationRule), args.Error(1)
}

func (m *MockDataSource) HasSentMilestone(ctx context.Context, ruleID string, patientID int64, milestoneAge int) (bool, error) {
	args := m.Called(ctx, ruleID, patientID, milestoneAge)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) HasSentReminder(ctx context.Context, ruleID string, subjectKey string) (bool, error) {
	args := m.Called(ctx, ruleID, subjectKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RecordAutomationSent(ctx context.Context, history *model.SentHistory) error {
	args := m.Called(ctx, history)
	return args.Error(0)
}

func (m *MockDataSource) RecordAutomationLog(ctx context.Context, logEntry *model.AutomationLog) error {
	args := m.Called(ctx, logEntry)
	return args.Error(0)
}

// Patient methods

func (m *MockDataSource) GetMilestonePatients(ctx context.Context, day time.Time, ageMonths int) ([]*model.Patient, error) {
	args := m.Called(ctx, day, ageMonths)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Patient), args.Error(1)
}

func (m *MockDataSource) GetAppointmentsNeedingReminder(ctx context.Context, now time.Time) ([]*model.Appointment, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Appointment), args.Error(1)
}

func (m *MockDataSource) GetReturnsNeedingReminder(ctx context.Context, now time.Time) ([]*model.MedicalCheckout, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.MedicalCheckout), args.Error(1)
}

func (m *MockDataSource) EnsureChat(ctx context.Context, phone string, contactName string) (*model.Chat, error) {
	args := m.Called(ctx, phone, contactName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Chat), args.Error(1)
}

func (m *MockDataSource) RecordChatMessage(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ChatMessage), args.Error(1)
}

// Dead letter methods

func (m *MockDataSource) InsertDeadLetter(ctx context.Context, rec *model.DeadLetterRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDataSource) GetDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterRecord, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeadLetterRecord), args.Error(1)
}

// Run log methods

func (m *MockDataSource) RecordRunLogEvent(ctx context.Context, event *model.RunLogEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
