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

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Automation rule types.
const (
	RuleMilestone           = "milestone"
	RuleAppointmentReminder = "appointment_reminder"
	RuleReturnReminder      = "return_reminder"
)

// DefaultStepDelaySeconds is applied between sequence steps that carry no
// explicit delay.
const DefaultStepDelaySeconds = 2

// AutomationMessage is one step of a rule's message sequence.
type AutomationMessage struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	Caption      string `json:"caption,omitempty"`
	DelaySeconds int    `json:"delay,omitempty"`
}

// Delay returns the configured per-step delay, falling back to the default.
func (m AutomationMessage) Delay() time.Duration {
	if m.DelaySeconds > 0 {
		return time.Duration(m.DelaySeconds) * time.Second
	}
	return DefaultStepDelaySeconds * time.Second
}

// AutomationRule is a declarative trigger that expands into scheduled
// message sequences.
type AutomationRule struct {
	ID              int64               `json:"-"`
	RuleID          string              `json:"id"`
	Name            string              `json:"name"`
	Type            string              `json:"type"`
	Active          bool                `json:"active"`
	TriggerTime     string              `json:"trigger_time"`
	AgeMonths       int                 `json:"age_months,omitempty"`
	MessageSequence []AutomationMessage `json:"message_sequence"`
	CreatedAt       time.Time           `json:"created_at"`
}

// TriggerHourMinute parses the rule's trigger time ("HH:MM" or "HH:MM:SS").
// Rules without a usable trigger time default to 08:00.
func (r *AutomationRule) TriggerHourMinute() (int, int) {
	parts := strings.Split(r.TriggerTime, ":")
	if len(parts) < 2 {
		return 8, 0
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		hour = 8
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		minute = 0
	}
	return hour, minute
}

// MatchesMinute reports whether the rule's trigger time falls on the same
// hour and minute as the given tick.
func (r *AutomationRule) MatchesMinute(tick time.Time) bool {
	hour, minute := r.TriggerHourMinute()
	return tick.Hour() == hour && tick.Minute() == minute
}

// SentHistory is the idempotency ledger guarding rule evaluation. Milestone
// rules key it by milestone age; reminder rules key it by the calendar day of
// the reminded event (SubjectKey).
type SentHistory struct {
	ID               int64     `json:"-"`
	AutomationRuleID string    `json:"automation_rule_id"`
	PatientID        int64     `json:"patient_id"`
	MilestoneAge     int       `json:"milestone_age"`
	SubjectKey       string    `json:"subject_key,omitempty"`
	SentAt           time.Time `json:"sent_at"`
}

// ReminderSubjectKey identifies one reminded appointment or return date so a
// second scheduler pass over the same window enqueues nothing.
func ReminderSubjectKey(kind string, refID int64, day time.Time) string {
	return fmt.Sprintf("%s:%d:%s", kind, refID, day.Format("2006-01-02"))
}

// AutomationLog is one audit row per enqueue attempt per rule and recipient.
type AutomationLog struct {
	ID               int64     `json:"-"`
	AutomationRuleID string    `json:"automation_rule_id"`
	PatientID        *int64    `json:"patient_id,omitempty"`
	AppointmentID    *int64    `json:"appointment_id,omitempty"`
	Status           string    `json:"status"`
	RunID            string    `json:"run_id"`
	NodeName         string    `json:"node_name"`
	CreatedAt        time.Time `json:"created_at"`
}
