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

// GetActiveRulesByType returns every active rule of the given type.
func (d Datasource) GetActiveRulesByType(ctx context.Context, ruleType string) ([]*model.AutomationRule, error) {
	ctx, span := otel.Tracer("Rule evaluator").Start(ctx, "Fetching active rules")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, rule_id, name, type, active, trigger_time, age_months, message_sequence, created_at
		FROM automation_rules
		WHERE type = $1 AND active = TRUE
		ORDER BY created_at ASC
	`, ruleType)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve automation rules", err)
	}
	defer rows.Close()

	var rules []*model.AutomationRule
	for rows.Next() {
		rule := &model.AutomationRule{}
		var sequenceJSON []byte
		var triggerTime sql.NullString
		var ageMonths sql.NullInt64
		err = rows.Scan(&rule.ID, &rule.RuleID, &rule.Name, &rule.Type, &rule.Active, &triggerTime, &ageMonths, &sequenceJSON, &rule.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan automation rule", err)
		}

		rule.TriggerTime = triggerTime.String
		rule.AgeMonths = int(ageMonths.Int64)
		if len(sequenceJSON) > 0 {
			err = json.Unmarshal(sequenceJSON, &rule.MessageSequence)
			if err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal message sequence", err)
			}
		}

		rules = append(rules, rule)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over automation rules", err)
	}

	return rules, nil
}

// HasSentMilestone checks the dedup ledger for a milestone already handled
// for this patient at this age.
func (d Datasource) HasSentMilestone(ctx context.Context, ruleID string, patientID int64, milestoneAge int) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM automation_sent_history
			WHERE automation_rule_id = $1 AND patient_id = $2 AND milestone_age = $3
		)
	`, ruleID, patientID, milestoneAge).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check milestone history", err)
	}
	return exists, nil
}

// HasSentReminder checks the dedup ledger for a reminder already enqueued for
// this subject key.
func (d Datasource) HasSentReminder(ctx context.Context, ruleID string, subjectKey string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM automation_sent_history
			WHERE automation_rule_id = $1 AND subject_key = $2
		)
	`, ruleID, subjectKey).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check reminder history", err)
	}
	return exists, nil
}

// RecordAutomationSent appends a dedup ledger entry. The entry is written in
// the same pass that enqueues the sequence, before any send happens.
func (d Datasource) RecordAutomationSent(ctx context.Context, history *model.SentHistory) error {
	if history.SentAt.IsZero() {
		history.SentAt = time.Now()
	}

	// Milestone rows key on milestone_age, reminder rows on subject_key. The
	// unused column must stay NULL so each partial unique index only ever
	// covers its own kind of row.
	var subjectKey sql.NullString
	var milestoneAge sql.NullInt64
	if history.SubjectKey != "" {
		subjectKey = sql.NullString{String: history.SubjectKey, Valid: true}
	} else {
		milestoneAge = sql.NullInt64{Int64: int64(history.MilestoneAge), Valid: true}
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO automation_sent_history (automation_rule_id, patient_id, milestone_age, subject_key, sent_at)
		VALUES ($1,$2,$3,$4,$5)
	`, history.AutomationRuleID, history.PatientID, milestoneAge, subjectKey, history.SentAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record automation history", err)
	}
	return nil
}

// RecordAutomationLog appends one audit row per enqueue attempt.
func (d Datasource) RecordAutomationLog(ctx context.Context, logEntry *model.AutomationLog) error {
	if logEntry.CreatedAt.IsZero() {
		logEntry.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO automation_logs (automation_rule_id, patient_id, appointment_id, status, run_id, node_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, logEntry.AutomationRuleID, logEntry.PatientID, logEntry.AppointmentID, logEntry.Status, logEntry.RunID, logEntry.NodeName, logEntry.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record automation log", err)
	}
	return nil
}
