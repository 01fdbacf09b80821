package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

// RecordRunLogEvent appends one structured event to the run log. The run log
// is append-only; nothing in the worker updates or deletes rows.
func (d Datasource) RecordRunLogEvent(ctx context.Context, event *model.RunLogEvent) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal run log metadata", err)
		}
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, thread_id, job_name, node_name, level, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, event.RunID, event.ThreadID, event.JobName, event.NodeName, event.Level, event.Message, metadataJSON, event.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record run log event", err)
	}

	return nil
}
