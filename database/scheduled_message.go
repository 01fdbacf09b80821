package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

// CreateScheduledMessage enqueues a message. When the message carries an
// idempotency key that already exists, the insert is silently dropped and the
// existing row wins.
func (d Datasource) CreateScheduledMessage(ctx context.Context, msg *model.ScheduledMessage) (*model.ScheduledMessage, error) {
	ctx, span := otel.Tracer("Dispatch queue").Start(ctx, "Enqueuing scheduled message")
	defer span.End()

	payloadJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	if msg.MessageID == "" {
		msg.MessageID = GenerateUUIDWithSuffix("msg")
	}
	if msg.Status == "" {
		msg.Status = model.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var idempotencyKey sql.NullString
	if msg.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: msg.IdempotencyKey, Valid: true}
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO scheduled_messages (message_id, chat_id, item_type, title, payload, scheduled_for, status, automation_rule_id, run_id, retry_count, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, msg.MessageID, msg.ChatID, msg.ItemType, msg.Title, payloadJSON, msg.ScheduledFor, msg.Status, msg.AutomationRuleID, msg.RunID, msg.RetryCount, idempotencyKey, msg.CreatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue scheduled message", err)
	}

	return msg, nil
}

// ClaimScheduledMessages atomically selects and locks a batch of due pending
// messages for this worker. Selection and locking happen in a single
// statement with FOR UPDATE SKIP LOCKED so two workers can never claim the
// same row. Rows whose claim is older than staleAfter count as abandoned and
// become claimable again.
func (d Datasource) ClaimScheduledMessages(ctx context.Context, workerID string, batchSize int, staleAfter time.Duration) ([]*model.ScheduledMessage, error) {
	ctx, span := otel.Tracer("Dispatch queue").Start(ctx, "Claiming due messages")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM scheduled_messages
			WHERE status = 'pending'
			  AND scheduled_for <= NOW()
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			  AND (dispatch_locked_at IS NULL OR dispatch_locked_at < NOW() - ($3 * INTERVAL '1 second'))
			ORDER BY scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_messages s
		SET dispatch_locked_at = NOW(), dispatch_locked_by = $1
		FROM due
		WHERE s.id = due.id
		RETURNING s.id, s.message_id, s.chat_id, s.item_type, s.title, s.payload, s.scheduled_for, s.status, s.automation_rule_id, s.run_id, s.retry_count, s.next_retry_at, s.dispatch_locked_at, s.dispatch_locked_by, s.idempotency_key, s.created_at,
			(SELECT c.phone FROM chats c WHERE c.id = s.chat_id) AS chat_phone
	`, workerID, batchSize, int64(staleAfter.Seconds()))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim scheduled messages", err)
	}
	defer rows.Close()

	var claimed []*model.ScheduledMessage
	for rows.Next() {
		msg := &model.ScheduledMessage{}
		var payloadJSON []byte
		var title, lockedBy, idempotencyKey, chatPhone sql.NullString
		var ruleID sql.NullString
		err = rows.Scan(
			&msg.ID,
			&msg.MessageID,
			&msg.ChatID,
			&msg.ItemType,
			&title,
			&payloadJSON,
			&msg.ScheduledFor,
			&msg.Status,
			&ruleID,
			&msg.RunID,
			&msg.RetryCount,
			&msg.NextRetryAt,
			&msg.LockedAt,
			&lockedBy,
			&idempotencyKey,
			&msg.CreatedAt,
			&chatPhone,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan claimed message", err)
		}

		msg.Title = title.String
		msg.LockedBy = lockedBy.String
		msg.IdempotencyKey = idempotencyKey.String
		msg.ChatPhone = chatPhone.String
		if ruleID.Valid {
			msg.AutomationRuleID = &ruleID.String
		}
		msg.Payload = model.ParsePayload(payloadJSON)

		claimed = append(claimed, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over claimed messages", err)
	}

	return claimed, nil
}

// MarkDispatchSuccess finalizes a claimed message as sent and clears its
// claim. run_id is overwritten so the row always names the run that last
// touched it.
func (d Datasource) MarkDispatchSuccess(ctx context.Context, messageID, runID string, sentAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'sent', run_id = $2, sent_at = $3, last_error = NULL, dispatch_locked_at = NULL, dispatch_locked_by = NULL
		WHERE message_id = $1
	`, messageID, runID, sentAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark message as sent", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Scheduled message with ID '%s' not found", messageID), nil)
	}

	return nil
}

// MarkDispatchFailure records a failed send attempt and clears the claim.
// For a transient failure the caller passes status pending with the retry
// window; when retries are exhausted or the failure is permanent the caller
// passes status failed with no retry window.
func (d Datasource) MarkDispatchFailure(ctx context.Context, messageID, runID string, status string, retryCount int, nextRetryAt *time.Time, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $2, run_id = $3, retry_count = $4, next_retry_at = $5, last_error = $6, dispatch_locked_at = NULL, dispatch_locked_by = NULL
		WHERE message_id = $1
	`, messageID, status, runID, retryCount, nextRetryAt, lastError)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark message as failed", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Scheduled message with ID '%s' not found", messageID), nil)
	}

	return nil
}

func (d Datasource) GetScheduledMessage(ctx context.Context, messageID string) (*model.ScheduledMessage, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, message_id, chat_id, item_type, title, payload, scheduled_for, status, automation_rule_id, run_id, retry_count, next_retry_at, last_error, sent_at, created_at
		FROM scheduled_messages
		WHERE message_id = $1
	`, messageID)

	msg := &model.ScheduledMessage{}
	var payloadJSON []byte
	var title, lastError, ruleID sql.NullString
	err := row.Scan(&msg.ID, &msg.MessageID, &msg.ChatID, &msg.ItemType, &title, &payloadJSON, &msg.ScheduledFor, &msg.Status, &ruleID, &msg.RunID, &msg.RetryCount, &msg.NextRetryAt, &lastError, &msg.SentAt, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Scheduled message with ID '%s' not found", messageID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve scheduled message", err)
	}

	msg.Title = title.String
	msg.LastError = lastError.String
	if ruleID.Valid {
		msg.AutomationRuleID = &ruleID.String
	}
	msg.Payload = model.ParsePayload(payloadJSON)

	return msg, nil
}
