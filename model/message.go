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
	"encoding/json"
	"fmt"
	"time"
)

// Scheduled message statuses. Sent and Failed are terminal.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Queue item kinds.
const (
	ItemTypeMacro  = "macro"
	ItemTypeFunnel = "funnel"
	ItemTypeAdhoc  = "adhoc"
)

// Message payload types accepted by the gateway.
const (
	PayloadText     = "text"
	PayloadAudio    = "audio"
	PayloadImage    = "image"
	PayloadVideo    = "video"
	PayloadDocument = "document"
)

// MessagePayload is the content of one outbound send.
type MessagePayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Caption string `json:"caption,omitempty"`
}

// IsMedia reports whether the payload carries a media URL rather than plain text.
func (p MessagePayload) IsMedia() bool {
	switch p.Type {
	case PayloadAudio, PayloadImage, PayloadVideo, PayloadDocument:
		return true
	}
	return false
}

// ParsePayload decodes a stored payload. Raw strings that are not JSON are
// treated as plain text messages, matching what the ad-hoc scheduling UI may
// have written.
func ParsePayload(raw []byte) MessagePayload {
	var payload MessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Type == "" {
		return MessagePayload{Type: PayloadText, Content: string(raw)}
	}
	switch payload.Type {
	case PayloadText, PayloadAudio, PayloadImage, PayloadVideo, PayloadDocument:
	default:
		payload.Type = PayloadText
	}
	return payload
}

// ScheduledMessage is one queued send in the dispatch queue.
type ScheduledMessage struct {
	ID               int64          `json:"-"`
	MessageID        string         `json:"id"`
	ChatID           int64          `json:"chat_id"`
	ItemType         string         `json:"item_type"`
	Title            string         `json:"title,omitempty"`
	Payload          MessagePayload `json:"payload"`
	ScheduledFor     time.Time      `json:"scheduled_for"`
	Status           string         `json:"status"`
	AutomationRuleID *string        `json:"automation_rule_id,omitempty"`
	RunID            string         `json:"run_id,omitempty"`
	RetryCount       int            `json:"retry_count"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	LockedAt         *time.Time     `json:"dispatch_locked_at,omitempty"`
	LockedBy         string         `json:"dispatch_locked_by,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`

	// Filled by the claim join so the executor can resolve the recipient
	// without a second round-trip.
	ChatPhone string `json:"-"`
}

// IsTerminal reports whether the message can never be claimed again.
func (s *ScheduledMessage) IsTerminal() bool {
	return s.Status == StatusSent || s.Status == StatusFailed
}

// SequenceIdempotencyKey builds the deterministic key that keeps a rule
// sequence step from being enqueued twice for the same recipient and slot.
func SequenceIdempotencyKey(ruleID string, chatID int64, scheduledFor time.Time, stepIndex int) string {
	return fmt.Sprintf("%s:%d:%s:%d", ruleID, chatID, scheduledFor.UTC().Format(time.RFC3339), stepIndex)
}
