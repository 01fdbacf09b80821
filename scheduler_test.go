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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/clinicflow/relay/database/mocks"
	"github.com/clinicflow/relay/model"
)

func newSchedulerRelay(t *testing.T, ds *mocks.MockDataSource) *Relay {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Relay{
		datasource: ds,
		redis:      client,
		workerID:   "worker-test",
		batchSize:  25,
		lockStale:  10,
	}
}

func milestoneRule() *model.AutomationRule {
	return &model.AutomationRule{
		ID:          1,
		RuleID:      "rule_milestone",
		Name:        "4 meses",
		Type:        model.RuleMilestone,
		Active:      true,
		TriggerTime: "08:00",
		AgeMonths:   4,
		MessageSequence: []model.AutomationMessage{
			{Type: "text", Content: "Olá {nome_paciente}, parabéns pelos {idade_meses} meses!"},
			{Type: "image", Content: "https://cdn.example.com/m4.png"},
		},
	}
}

func TestEvaluateRules_MilestoneEnqueuesSequence(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 8, 0, 30, 0, time.UTC)
	birth := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	patient := &model.Patient{ID: 7, PatientID: "pat_7", Name: "Maria", Phone: "5511999998888", BirthDate: &birth}

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{milestoneRule()}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetMilestonePatients", mock.Anything, now, 4).Return([]*model.Patient{patient}, nil)
	ds.On("HasSentMilestone", mock.Anything, "rule_milestone", int64(7), 4).Return(false, nil)
	ds.On("EnsureChat", mock.Anything, "5511999998888", "Maria").
		Return(&model.Chat{ID: 42, Phone: "5511999998888"}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)
	ds.On("RecordAutomationLog", mock.Anything, mock.Anything).Return(nil)
	ds.On("RecordAutomationSent", mock.Anything, mock.MatchedBy(func(h *model.SentHistory) bool {
		return h.AutomationRuleID == "rule_milestone" && h.PatientID == 7 && h.MilestoneAge == 4
	})).Return(nil)

	var created []*model.ScheduledMessage
	ds.On("CreateScheduledMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			created = append(created, args.Get(1).(*model.ScheduledMessage))
		}).
		Return(&model.ScheduledMessage{}, nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 2, summary.CreatedCount)
	assert.Len(t, created, 2)

	// First step fires at the tick, second after the default step delay.
	assert.Equal(t, now, created[0].ScheduledFor)
	assert.Equal(t, now.Add(model.DefaultStepDelaySeconds*time.Second), created[1].ScheduledFor)

	// Variables were substituted into the text step.
	assert.Equal(t, "Olá Maria, parabéns pelos 4 meses!", created[0].Payload.Content)
	assert.Equal(t, model.PayloadImage, created[1].Payload.Type)

	// Deterministic, distinct idempotency keys per step.
	assert.NotEmpty(t, created[0].IdempotencyKey)
	assert.NotEqual(t, created[0].IdempotencyKey, created[1].IdempotencyKey)

	ds.AssertExpectations(t)
}

func TestEvaluateRules_MilestoneSkipsWhenAlreadySent(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	birth := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	patient := &model.Patient{ID: 7, Name: "Maria", Phone: "5511999998888", BirthDate: &birth}

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{milestoneRule()}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetMilestonePatients", mock.Anything, now, 4).Return([]*model.Patient{patient}, nil)
	ds.On("HasSentMilestone", mock.Anything, "rule_milestone", int64(7), 4).Return(true, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.Zero(t, summary.CreatedCount)

	ds.AssertNotCalled(t, "CreateScheduledMessage", mock.Anything, mock.Anything)
}

func TestEvaluateRules_MilestoneOutsideTriggerMinute(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	// Rule triggers at 08:00; the tick is 09:30.
	now := time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC)

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{milestoneRule()}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.Zero(t, summary.CreatedCount)

	ds.AssertNotCalled(t, "GetMilestonePatients", mock.Anything, mock.Anything, mock.Anything)
}

// A patient the query returned but whose birth date does not land exactly N
// months before the tick day is skipped by the model predicate.
func TestEvaluateRules_MilestoneRequiresExactDate(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	birth := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	patient := &model.Patient{ID: 7, Name: "Maria", Phone: "5511999998888", BirthDate: &birth}

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{milestoneRule()}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetMilestonePatients", mock.Anything, now, 4).Return([]*model.Patient{patient}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.Zero(t, summary.CreatedCount)

	ds.AssertNotCalled(t, "HasSentMilestone", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "CreateScheduledMessage", mock.Anything, mock.Anything)
}

// Same-day bookings never qualify even when the query window includes them.
func TestEvaluateRules_AppointmentBookedSameDayIsSkipped(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC)
	start := time.Date(2025, 9, 2, 14, 30, 0, 0, time.UTC)

	reminderRule := &model.AutomationRule{
		RuleID:      "rule_appt",
		Name:        "Lembrete de consulta",
		Type:        model.RuleAppointmentReminder,
		Active:      true,
		TriggerTime: "08:00",
		MessageSequence: []model.AutomationMessage{
			{Type: "text", Content: "Sua consulta é amanhã."},
		},
	}
	appointment := &model.Appointment{
		ID: 31, PatientID: 7, PatientName: "Maria", PatientPhone: "5511999998888",
		StartTime: start, Status: "confirmed", CreatedAt: start.Add(-2 * time.Hour),
	}

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{reminderRule}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetAppointmentsNeedingReminder", mock.Anything, now).
		Return([]*model.Appointment{appointment}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.Zero(t, summary.CreatedCount)

	ds.AssertNotCalled(t, "HasSentReminder", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "CreateScheduledMessage", mock.Anything, mock.Anything)
}

func TestEvaluateRules_AppointmentReminder(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC)
	start := time.Date(2025, 9, 2, 14, 30, 0, 0, time.UTC)

	reminderRule := &model.AutomationRule{
		RuleID:      "rule_appt",
		Name:        "Lembrete de consulta",
		Type:        model.RuleAppointmentReminder,
		Active:      true,
		TriggerTime: "08:00",
		MessageSequence: []model.AutomationMessage{
			{Type: "text", Content: "Olá {nome_paciente}, sua consulta é amanhã às {hora_consulta}."},
		},
	}
	appointment := &model.Appointment{
		ID: 31, PatientID: 7, PatientName: "Maria", PatientPhone: "5511999998888",
		StartTime: start, Status: "confirmed", CreatedAt: now.AddDate(0, 0, -3),
	}

	ds.On("GetActiveRulesByType", mock.Anything, model.RuleMilestone).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleAppointmentReminder).
		Return([]*model.AutomationRule{reminderRule}, nil)
	ds.On("GetActiveRulesByType", mock.Anything, model.RuleReturnReminder).
		Return([]*model.AutomationRule{}, nil)
	ds.On("GetAppointmentsNeedingReminder", mock.Anything, now).
		Return([]*model.Appointment{appointment}, nil)
	ds.On("HasSentReminder", mock.Anything, "rule_appt", "appointment:31:2025-09-02").Return(false, nil)
	ds.On("EnsureChat", mock.Anything, "5511999998888", "Maria").
		Return(&model.Chat{ID: 42}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)
	ds.On("RecordAutomationLog", mock.Anything, mock.Anything).Return(nil)
	ds.On("RecordAutomationSent", mock.Anything, mock.MatchedBy(func(h *model.SentHistory) bool {
		return h.SubjectKey == "appointment:31:2025-09-02"
	})).Return(nil)

	var created *model.ScheduledMessage
	ds.On("CreateScheduledMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*model.ScheduledMessage) }).
		Return(&model.ScheduledMessage{}, nil)

	summary, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.CreatedCount)

	// Scheduled for tomorrow at the rule's trigger time, with appointment
	// variables substituted.
	expected := time.Date(2025, 9, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, expected, created.ScheduledFor)
	assert.Equal(t, "Olá Maria, sua consulta é amanhã às 14:30.", created.Payload.Content)

	ds.AssertExpectations(t)
}

func TestEvaluateRules_SecondWorkerSkipsSameTick(t *testing.T) {
	ds := new(mocks.MockDataSource)
	r := newSchedulerRelay(t, ds)

	now := time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC)

	ds.On("GetActiveRulesByType", mock.Anything, mock.Anything).
		Return([]*model.AutomationRule{}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)

	first, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.False(t, first.Skipped)

	// A second evaluation of the same tick fails to take the lease and
	// skips without error.
	second, err := r.EvaluateRules(context.Background(), now)
	assert.NoError(t, err)
	assert.True(t, second.Skipped)
}
