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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	redlock "github.com/clinicflow/relay/internal/lock"
	"github.com/clinicflow/relay/internal/notification"
	"github.com/clinicflow/relay/model"
)

const (
	schedulerJobName = "automation_scheduler"
	schedulerLockKey = "scheduler-tick"
)

// SchedulerSummary is the outcome of one scheduler run.
type SchedulerSummary struct {
	RunID        string `json:"run_id"`
	CreatedCount int    `json:"created_count"`
	Skipped      bool   `json:"skipped,omitempty"`
}

// EvaluateRules runs one scheduler tick: it loads the active automation
// rules, finds the patients each rule applies to at this minute, and expands
// their message sequences into the dispatch queue. A Redis lease keyed on the
// tick minute keeps multiple workers from evaluating the same tick; the loser
// skips without error. Enqueues are additionally guarded by the sent-history
// ledger and per-row idempotency keys, so even a lost lease cannot duplicate
// a sequence.
func (r *Relay) EvaluateRules(ctx context.Context, now time.Time) (*SchedulerSummary, error) {
	ctx, span := tracer.Start(ctx, "Evaluating automation rules")
	defer span.End()

	summary := &SchedulerSummary{RunID: uuid.New().String()}

	locker := redlock.NewLocker(r.redis, fmt.Sprintf("%s:%s", schedulerLockKey, now.Format("2006-01-02T15:04")), r.workerID)
	if err := locker.Lock(ctx, 2*time.Minute); err != nil {
		logrus.Infof("scheduler tick already handled: %v", err)
		summary.Skipped = true
		return summary, nil
	}
	// The lease is left to expire on its own; releasing it early would let a
	// slow second worker re-run the same tick.

	if err := r.evaluateMilestoneRules(ctx, summary, now); err != nil {
		return summary, logAndRecordError(span, "milestone rules error: ", err)
	}
	if err := r.evaluateAppointmentReminders(ctx, summary, now); err != nil {
		return summary, logAndRecordError(span, "appointment reminders error: ", err)
	}
	if err := r.evaluateReturnReminders(ctx, summary, now); err != nil {
		return summary, logAndRecordError(span, "return reminders error: ", err)
	}

	return summary, nil
}

// evaluateMilestoneRules enqueues the sequence of every milestone rule whose
// trigger time matches this minute, for every patient reaching the rule's age
// exactly today.
func (r *Relay) evaluateMilestoneRules(ctx context.Context, summary *SchedulerSummary, now time.Time) error {
	rules, err := r.datasource.GetActiveRulesByType(ctx, model.RuleMilestone)
	if err != nil {
		return err
	}

	r.logRunEvent(ctx, &model.RunLogEvent{
		RunID:    summary.RunID,
		JobName:  schedulerJobName,
		NodeName: "load_rules",
		Level:    model.RunLogInfo,
		Message:  "rules_loaded",
		Metadata: map[string]interface{}{"milestoneRules": len(rules)},
	})

	for _, rule := range rules {
		if !rule.MatchesMinute(now) {
			continue
		}

		patients, err := r.datasource.GetMilestonePatients(ctx, now, rule.AgeMonths)
		if err != nil {
			notification.NotifyError(err)
			continue
		}

		for _, patient := range patients {
			// The query prefilters by birth date; the model predicate is the
			// deciding check.
			if !patient.ReachedMilestoneOn(rule.AgeMonths, now) {
				continue
			}

			alreadySent, err := r.hasSentMilestone(ctx, rule.RuleID, patient.ID, rule.AgeMonths)
			if err != nil {
				notification.NotifyError(err)
				continue
			}
			if alreadySent || patient.Phone == "" {
				continue
			}

			chat, err := r.datasource.EnsureChat(ctx, patient.Phone, patient.Name)
			if err != nil {
				notification.NotifyError(err)
				continue
			}

			created, err := r.enqueueSequence(ctx, enqueueParams{
				runID:     summary.RunID,
				rule:      rule,
				chatID:    chat.ID,
				title:     fmt.Sprintf("Automação: %s", rule.Name),
				baseTime:  now,
				variables: VariableContext{Patient: patient, Now: now},
				patientID: &patient.ID,
			})
			if err != nil {
				notification.NotifyError(err)
				continue
			}
			summary.CreatedCount += created

			if !r.dryRun {
				err = r.datasource.RecordAutomationSent(ctx, &model.SentHistory{
					AutomationRuleID: rule.RuleID,
					PatientID:        patient.ID,
					MilestoneAge:     rule.AgeMonths,
				})
				if err != nil {
					notification.NotifyError(err)
				}
			}

			r.logRunEvent(ctx, &model.RunLogEvent{
				RunID:    summary.RunID,
				ThreadID: fmt.Sprintf("chat-%d", chat.ID),
				JobName:  schedulerJobName,
				NodeName: "evaluate_and_enqueue",
				Level:    model.RunLogInfo,
				Message:  "milestone_sequence_enqueued",
				Metadata: map[string]interface{}{"ruleId": rule.RuleID, "patientId": patient.ID},
			})
		}
	}

	return nil
}

// evaluateAppointmentReminders enqueues next-day reminders for qualifying
// appointments, scheduled for tomorrow at the rule's trigger time.
func (r *Relay) evaluateAppointmentReminders(ctx context.Context, summary *SchedulerSummary, now time.Time) error {
	rules, err := r.datasource.GetActiveRulesByType(ctx, model.RuleAppointmentReminder)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	rule := rules[0]

	appointments, err := r.datasource.GetAppointmentsNeedingReminder(ctx, now)
	if err != nil {
		return err
	}

	for _, appointment := range appointments {
		if appointment.PatientPhone == "" || !appointment.NeedsReminder(now) {
			continue
		}

		subjectKey := model.ReminderSubjectKey("appointment", appointment.ID, appointment.StartTime)
		alreadySent, err := r.hasSentReminder(ctx, rule.RuleID, subjectKey)
		if err != nil {
			notification.NotifyError(err)
			continue
		}
		if alreadySent {
			continue
		}

		chat, err := r.datasource.EnsureChat(ctx, appointment.PatientPhone, appointment.PatientName)
		if err != nil {
			notification.NotifyError(err)
			continue
		}

		created, err := r.enqueueSequence(ctx, enqueueParams{
			runID:    summary.RunID,
			rule:     rule,
			chatID:   chat.ID,
			title:    fmt.Sprintf("Lembrete: %s", rule.Name),
			baseTime: reminderBaseTime(rule, now),
			variables: VariableContext{
				Patient:     &model.Patient{Name: appointment.PatientName, Phone: appointment.PatientPhone},
				Appointment: appointment,
				Now:         now,
			},
			patientID:     &appointment.PatientID,
			appointmentID: &appointment.ID,
		})
		if err != nil {
			notification.NotifyError(err)
			continue
		}
		summary.CreatedCount += created

		if !r.dryRun {
			err = r.datasource.RecordAutomationSent(ctx, &model.SentHistory{
				AutomationRuleID: rule.RuleID,
				PatientID:        appointment.PatientID,
				SubjectKey:       subjectKey,
			})
			if err != nil {
				notification.NotifyError(err)
			}
		}

		r.logRunEvent(ctx, &model.RunLogEvent{
			RunID:    summary.RunID,
			ThreadID: fmt.Sprintf("chat-%d", chat.ID),
			JobName:  schedulerJobName,
			NodeName: "evaluate_and_enqueue",
			Level:    model.RunLogInfo,
			Message:  "appointment_sequence_enqueued",
			Metadata: map[string]interface{}{"ruleId": rule.RuleID, "appointmentId": appointment.ID},
		})
	}

	return nil
}

// evaluateReturnReminders enqueues reminders for checkouts whose requested
// return date is tomorrow.
func (r *Relay) evaluateReturnReminders(ctx context.Context, summary *SchedulerSummary, now time.Time) error {
	rules, err := r.datasource.GetActiveRulesByType(ctx, model.RuleReturnReminder)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	rule := rules[0]

	returns, err := r.datasource.GetReturnsNeedingReminder(ctx, now)
	if err != nil {
		return err
	}

	for _, checkout := range returns {
		if checkout.PatientPhone == "" || !checkout.NeedsReminder(now) {
			continue
		}

		subjectKey := model.ReminderSubjectKey("return", checkout.ID, *checkout.ReturnDate)
		alreadySent, err := r.hasSentReminder(ctx, rule.RuleID, subjectKey)
		if err != nil {
			notification.NotifyError(err)
			continue
		}
		if alreadySent {
			continue
		}

		chat, err := r.datasource.EnsureChat(ctx, checkout.PatientPhone, checkout.PatientName)
		if err != nil {
			notification.NotifyError(err)
			continue
		}

		created, err := r.enqueueSequence(ctx, enqueueParams{
			runID:    summary.RunID,
			rule:     rule,
			chatID:   chat.ID,
			title:    fmt.Sprintf("Retorno: %s", rule.Name),
			baseTime: reminderBaseTime(rule, now),
			variables: VariableContext{
				Patient:  &model.Patient{Name: checkout.PatientName, Phone: checkout.PatientPhone},
				Checkout: checkout,
				Now:      now,
			},
			patientID: &checkout.PatientID,
		})
		if err != nil {
			notification.NotifyError(err)
			continue
		}
		summary.CreatedCount += created

		if !r.dryRun {
			err = r.datasource.RecordAutomationSent(ctx, &model.SentHistory{
				AutomationRuleID: rule.RuleID,
				PatientID:        checkout.PatientID,
				SubjectKey:       subjectKey,
			})
			if err != nil {
				notification.NotifyError(err)
			}
		}

		r.logRunEvent(ctx, &model.RunLogEvent{
			RunID:    summary.RunID,
			ThreadID: fmt.Sprintf("chat-%d", chat.ID),
			JobName:  schedulerJobName,
			NodeName: "evaluate_and_enqueue",
			Level:    model.RunLogInfo,
			Message:  "return_sequence_enqueued",
			Metadata: map[string]interface{}{"ruleId": rule.RuleID, "checkoutId": checkout.ID},
		})
	}

	return nil
}

// sentFlagTTL bounds how long a positive dedup-ledger answer is cached. The
// ledger rows themselves are permanent; the TTL only caps cache footprint.
const sentFlagTTL = 24 * time.Hour

// hasSentMilestone consults the cache before the dedup ledger. Only positive
// answers are cached since a sent milestone never becomes unsent.
func (r *Relay) hasSentMilestone(ctx context.Context, ruleID string, patientID int64, ageMonths int) (bool, error) {
	key := fmt.Sprintf("milestone_sent:%s:%d:%d", ruleID, patientID, ageMonths)
	var cached bool
	if r.cache != nil {
		if err := r.cache.Get(ctx, key, &cached); err == nil && cached {
			return true, nil
		}
	}

	sent, err := r.datasource.HasSentMilestone(ctx, ruleID, patientID, ageMonths)
	if err != nil {
		return false, err
	}
	if sent && r.cache != nil {
		if err := r.cache.Set(ctx, key, true, sentFlagTTL); err != nil {
			logrus.Warnf("failed to cache milestone sent flag: %v", err)
		}
	}
	return sent, nil
}

func (r *Relay) hasSentReminder(ctx context.Context, ruleID string, subjectKey string) (bool, error) {
	key := fmt.Sprintf("reminder_sent:%s:%s", ruleID, subjectKey)
	var cached bool
	if r.cache != nil {
		if err := r.cache.Get(ctx, key, &cached); err == nil && cached {
			return true, nil
		}
	}

	sent, err := r.datasource.HasSentReminder(ctx, ruleID, subjectKey)
	if err != nil {
		return false, err
	}
	if sent && r.cache != nil {
		if err := r.cache.Set(ctx, key, true, sentFlagTTL); err != nil {
			logrus.Warnf("failed to cache reminder sent flag: %v", err)
		}
	}
	return sent, nil
}

// reminderBaseTime is tomorrow at the rule's trigger time, in the tick's
// location.
func reminderBaseTime(rule *model.AutomationRule, now time.Time) time.Time {
	hour, minute := rule.TriggerHourMinute()
	tomorrow := now.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hour, minute, 0, 0, now.Location())
}

type enqueueParams struct {
	runID         string
	rule          *model.AutomationRule
	chatID        int64
	title         string
	baseTime      time.Time
	variables     VariableContext
	patientID     *int64
	appointmentID *int64
}

// enqueueSequence expands a rule's message sequence into scheduled messages.
// Step i is scheduled at baseTime plus the accumulated per-step delays; each
// row carries a deterministic idempotency key so re-running the same tick
// inserts nothing new.
func (r *Relay) enqueueSequence(ctx context.Context, params enqueueParams) (int, error) {
	delay := time.Duration(0)
	created := 0

	for _, step := range params.rule.MessageSequence {
		scheduledFor := params.baseTime.Add(delay)

		content := step.Content
		caption := step.Caption
		if step.Type == model.PayloadText || step.Type == "" {
			content = ReplaceVariables(step.Content, params.variables)
		} else if caption != "" {
			caption = ReplaceVariables(caption, params.variables)
		}

		if !r.dryRun {
			msg := &model.ScheduledMessage{
				ChatID:           params.chatID,
				ItemType:         model.ItemTypeAdhoc,
				Title:            params.title,
				Payload:          model.MessagePayload{Type: step.Type, Content: content, Caption: caption},
				ScheduledFor:     scheduledFor,
				Status:           model.StatusPending,
				AutomationRuleID: &params.rule.RuleID,
				RunID:            params.runID,
				IdempotencyKey:   model.SequenceIdempotencyKey(params.rule.RuleID, params.chatID, scheduledFor, created),
			}
			if _, err := r.datasource.CreateScheduledMessage(ctx, msg); err != nil {
				return created, err
			}

			err := r.datasource.RecordAutomationLog(ctx, &model.AutomationLog{
				AutomationRuleID: params.rule.RuleID,
				PatientID:        params.patientID,
				AppointmentID:    params.appointmentID,
				Status:           model.StatusPending,
				RunID:            params.runID,
				NodeName:         "enqueue_sequence",
			})
			if err != nil {
				return created, err
			}
		}

		created++
		delay += step.Delay()
	}

	return created, nil
}
