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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicflow/relay/internal/notification"
	"github.com/clinicflow/relay/model"
)

var tracer = otel.Tracer("Dispatch messages")

const dispatchJobName = "scheduled_dispatch"

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// DispatchSummary is the outcome of one dispatch run.
type DispatchSummary struct {
	RunID           string `json:"run_id"`
	ClaimedCount    int    `json:"claimed_count"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
	DeadLetterCount int    `json:"dead_letter_count"`
}

// ProcessDueMessages claims a batch of due messages and dispatches each one
// through the gateway. Claiming is a single atomic statement, so running this
// concurrently on several workers never double-sends a message. Per-message
// failures are absorbed into the summary; only claim failures abort the run.
func (r *Relay) ProcessDueMessages(ctx context.Context) (*DispatchSummary, error) {
	ctx, span := tracer.Start(ctx, "Dispatching due messages")
	defer span.End()

	summary := &DispatchSummary{RunID: uuid.New().String()}

	claimed, err := r.datasource.ClaimScheduledMessages(ctx, r.workerID, r.batchSize, time.Duration(r.lockStale)*time.Minute)
	if err != nil {
		return nil, logAndRecordError(span, "claim due messages error: ", err)
	}
	summary.ClaimedCount = len(claimed)

	r.logRunEvent(ctx, &model.RunLogEvent{
		RunID:    summary.RunID,
		ThreadID: fmt.Sprintf("dispatch-%s", r.workerID),
		JobName:  dispatchJobName,
		NodeName: "claim_pending",
		Level:    model.RunLogInfo,
		Message:  "claimed_messages",
		Metadata: map[string]interface{}{"claimedCount": len(claimed), "batchSize": r.batchSize},
	})

	span.AddEvent("dispatching claimed batch")
	for _, item := range claimed {
		r.dispatchOne(ctx, summary, item)
	}

	return summary, nil
}

func (r *Relay) dispatchOne(ctx context.Context, summary *DispatchSummary, item *model.ScheduledMessage) {
	threadID := fmt.Sprintf("chat-%d", item.ChatID)

	// A message without a resolvable recipient can never succeed. It goes
	// straight to the dead-letter store, not through the retry loop.
	if item.ChatPhone == "" {
		summary.FailedCount++
		summary.DeadLetterCount++
		r.failPermanently(ctx, summary.RunID, threadID, item, "chat_data_missing", false, nil)
		return
	}

	if r.dryRun {
		summary.SentCount++
		return
	}

	result, err := r.sender.Send(ctx, item.ChatPhone, item.Payload)
	if err != nil {
		// Transport-level failure, no HTTP status to key on. Treated like a
		// gateway 5xx so the normal retry ladder applies.
		r.handleSendFailure(ctx, summary, item, threadID, fmt.Sprintf("gateway_unreachable: %v", err), true, nil)
		return
	}

	if result.Ok {
		summary.SentCount++
		sentAt := time.Now()
		if err := r.datasource.MarkDispatchSuccess(ctx, item.MessageID, summary.RunID, sentAt); err != nil {
			notification.NotifyError(err)
			return
		}
		r.recordChatAndMemory(ctx, item, result.ExternalID)
		r.logRunEvent(ctx, &model.RunLogEvent{
			RunID:    summary.RunID,
			ThreadID: threadID,
			JobName:  dispatchJobName,
			NodeName: "dispatch_batch",
			Level:    model.RunLogInfo,
			Message:  "message_sent",
			Metadata: map[string]interface{}{"scheduledMessageId": item.MessageID, "externalId": result.ExternalID},
		})
		return
	}

	r.handleSendFailure(ctx, summary, item, threadID, GatewayFailureError(result.Status), IsRetryableStatus(result.Status), result.Details)
}

// handleSendFailure advances the retry ladder for a rejected send. Below the
// retry cap the message stays pending with a backoff window; at the cap it is
// finalized as failed and dead-lettered.
func (r *Relay) handleSendFailure(ctx context.Context, summary *DispatchSummary, item *model.ScheduledMessage, threadID, errorMessage string, retryable bool, details map[string]interface{}) {
	summary.FailedCount++
	retryCount := item.RetryCount + 1
	window := CalcRetryWindow(retryCount, time.Now())

	if window.SendToDeadLetter {
		summary.DeadLetterCount++
		item.RetryCount = retryCount
		r.failPermanently(ctx, summary.RunID, threadID, item, errorMessage, retryable, details)
		return
	}

	if err := r.datasource.MarkDispatchFailure(ctx, item.MessageID, summary.RunID, model.StatusPending, retryCount, window.NextRetryAt, errorMessage); err != nil {
		notification.NotifyError(err)
		return
	}

	r.logRunEvent(ctx, &model.RunLogEvent{
		RunID:    summary.RunID,
		ThreadID: threadID,
		JobName:  dispatchJobName,
		NodeName: "dispatch_batch",
		Level:    model.RunLogError,
		Message:  "send_failed_will_retry",
		Metadata: map[string]interface{}{"scheduledMessageId": item.MessageID, "retryCount": retryCount, "errorMessage": errorMessage},
	})
}

// failPermanently finalizes the message as failed and writes the dead letter.
func (r *Relay) failPermanently(ctx context.Context, runID, threadID string, item *model.ScheduledMessage, errorMessage string, retryable bool, details map[string]interface{}) {
	retryCount := item.RetryCount
	if errorMessage == "chat_data_missing" {
		retryCount++
	}

	if err := r.datasource.MarkDispatchFailure(ctx, item.MessageID, runID, model.StatusFailed, retryCount, nil, errorMessage); err != nil {
		notification.NotifyError(err)
	}

	payload := map[string]interface{}{"item": item}
	if details != nil {
		payload["response"] = details
	}

	deadLetter := &model.DeadLetterRecord{
		RunID:              runID,
		ThreadID:           threadID,
		SourceNode:         "dispatch_batch",
		ScheduledMessageID: item.MessageID,
		Payload:            payload,
		ErrorMessage:       errorMessage,
		RetryCount:         retryCount,
		Retryable:          retryable,
	}
	if err := r.datasource.InsertDeadLetter(ctx, deadLetter); err != nil {
		notification.NotifyError(err)
	}

	if err := SendWebhook(NewWebhook{Event: "message.dead_lettered", Payload: deadLetter}); err != nil {
		logrus.Warnf("dead letter webhook failed: %v", err)
	}

	r.logRunEvent(ctx, &model.RunLogEvent{
		RunID:    runID,
		ThreadID: threadID,
		JobName:  dispatchJobName,
		NodeName: "dispatch_batch",
		Level:    model.RunLogError,
		Message:  "dead_letter_created",
		Metadata: map[string]interface{}{"scheduledMessageId": item.MessageID, "retryCount": retryCount, "errorMessage": errorMessage},
	})
}

// recordChatAndMemory appends the sent message to the chat history and
// mirrors it into the memory index. Both are best-effort side effects: the
// send already happened and must not be retried because bookkeeping failed.
func (r *Relay) recordChatAndMemory(ctx context.Context, item *model.ScheduledMessage, externalID string) {
	mediaURL := ""
	messageText := item.Payload.Caption
	if item.Payload.IsMedia() {
		mediaURL = item.Payload.Content
	} else if messageText == "" {
		messageText = item.Payload.Content
	}

	chatMsg := &model.ChatMessage{
		ChatID:      item.ChatID,
		Phone:       item.ChatPhone,
		Sender:      "HUMAN_AGENT",
		MessageText: messageText,
		MessageType: item.Payload.Type,
		MediaURL:    mediaURL,
		ExternalID:  externalID,
		Status:      model.StatusSent,
	}
	if _, err := r.datasource.RecordChatMessage(ctx, chatMsg); err != nil {
		logrus.Warnf("failed to record chat history for %s: %v", item.MessageID, err)
	}

	if r.search == nil {
		return
	}

	memory := map[string]interface{}{
		"memory_id":     item.MessageID,
		"session_id":    item.ChatPhone,
		"role":          "ai",
		"content":       memoryText(item.Payload),
		"external_id":   externalID,
		"from_schedule": true,
		"created_at":    time.Now(),
	}
	if item.AutomationRuleID != nil {
		memory["automation_rule_id"] = *item.AutomationRuleID
	}
	if err := r.search.HandleNotification(ctx, "chat_memories", memory); err != nil {
		logrus.Warnf("failed to index memory for %s: %v", item.MessageID, err)
	}
}

// memoryText renders the payload the way the conversation memory stores it,
// tagging media so a later reader knows a URL was delivered.
func memoryText(payload model.MessagePayload) string {
	switch payload.Type {
	case model.PayloadAudio:
		return fmt.Sprintf("[AUDIO AGENDADO] URL: %s", payload.Content)
	case model.PayloadImage:
		return fmt.Sprintf("[IMAGEM AGENDADA] %s URL: %s", payload.Caption, payload.Content)
	case model.PayloadVideo:
		return fmt.Sprintf("[VIDEO AGENDADO] %s URL: %s", payload.Caption, payload.Content)
	case model.PayloadDocument:
		return fmt.Sprintf("[DOCUMENTO AGENDADO] %s URL: %s", payload.Caption, payload.Content)
	}
	return payload.Content
}

// logRunEvent writes to the run log, logging locally when the write itself
// fails. Run log failures never fail a dispatch.
func (r *Relay) logRunEvent(ctx context.Context, event *model.RunLogEvent) {
	if err := r.datasource.RecordRunLogEvent(ctx, event); err != nil {
		logrus.Warnf("failed to record run log event %s/%s: %v", event.JobName, event.Message, err)
	}
}
