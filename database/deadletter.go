package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

// InsertDeadLetter records a permanently failed message with its payload
// snapshot. Dead letters are never retried automatically.
func (d Datasource) InsertDeadLetter(ctx context.Context, rec *model.DeadLetterRecord) error {
	ctx, span := otel.Tracer("Dispatch queue").Start(ctx, "Recording dead letter")
	defer span.End()

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal dead letter payload", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO dead_letters (run_id, thread_id, source_node, scheduled_message_id, payload, error_message, retry_count, retryable, next_retry_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.RunID, rec.ThreadID, rec.SourceNode, rec.ScheduledMessageID, payloadJSON, rec.ErrorMessage, rec.RetryCount, rec.Retryable, rec.NextRetryAt, rec.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record dead letter", err)
	}

	return nil
}

// GetDeadLetters returns dead letters newest first.
func (d Datasource) GetDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, run_id, thread_id, source_node, scheduled_message_id, payload, error_message, retry_count, retryable, next_retry_at, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead letters", err)
	}
	defer rows.Close()

	var records []*model.DeadLetterRecord
	for rows.Next() {
		rec := &model.DeadLetterRecord{}
		var payloadJSON []byte
		var threadID, sourceNode sql.NullString
		err = rows.Scan(&rec.ID, &rec.RunID, &threadID, &sourceNode, &rec.ScheduledMessageID, &payloadJSON, &rec.ErrorMessage, &rec.RetryCount, &rec.Retryable, &rec.NextRetryAt, &rec.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan dead letter", err)
		}

		rec.ThreadID = threadID.String
		rec.SourceNode = sourceNode.String
		if len(payloadJSON) > 0 {
			err = json.Unmarshal(payloadJSON, &rec.Payload)
			if err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal dead letter payload", err)
			}
		}

		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over dead letters", err)
	}

	return records, nil
}
