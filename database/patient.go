package database

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

// GetMilestonePatients returns patients whose birth date plus ageMonths
// calendar months lands exactly on the given day.
func (d Datasource) GetMilestonePatients(ctx context.Context, day time.Time, ageMonths int) ([]*model.Patient, error) {
	ctx, span := otel.Tracer("Rule evaluator").Start(ctx, "Fetching milestone patients")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, patient_id, name, phone, birth_date, created_at
		FROM patients
		WHERE birth_date IS NOT NULL
		  AND (birth_date + make_interval(months => $1))::date = $2::date
	`, ageMonths, day)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve milestone patients", err)
	}
	defer rows.Close()

	var patients []*model.Patient
	for rows.Next() {
		patient := &model.Patient{}
		var phone sql.NullString
		err = rows.Scan(&patient.ID, &patient.PatientID, &patient.Name, &phone, &patient.BirthDate, &patient.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan patient", err)
		}
		patient.Phone = phone.String
		patients = append(patients, patient)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over patients", err)
	}

	return patients, nil
}

// GetAppointmentsNeedingReminder returns appointments that start tomorrow in
// a remindable status and were booked at least one full day before they
// start. Same-day bookings never qualify.
func (d Datasource) GetAppointmentsNeedingReminder(ctx context.Context, now time.Time) ([]*model.Appointment, error) {
	ctx, span := otel.Tracer("Rule evaluator").Start(ctx, "Fetching appointments needing reminder")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT a.id, a.patient_id, p.name, p.phone, a.start_time, a.status, a.created_at
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.start_time::date = ($1::date + INTERVAL '1 day')::date
		  AND a.status IN ('scheduled', 'confirmed', 'waiting')
		  AND a.created_at <= a.start_time - INTERVAL '24 hours'
		ORDER BY a.start_time ASC
	`, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve appointments", err)
	}
	defer rows.Close()

	var appointments []*model.Appointment
	for rows.Next() {
		appointment := &model.Appointment{}
		var phone sql.NullString
		err = rows.Scan(&appointment.ID, &appointment.PatientID, &appointment.PatientName, &phone, &appointment.StartTime, &appointment.Status, &appointment.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan appointment", err)
		}
		appointment.PatientPhone = phone.String
		appointments = append(appointments, appointment)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over appointments", err)
	}

	return appointments, nil
}

// GetReturnsNeedingReminder returns checkouts whose requested return date is
// tomorrow.
func (d Datasource) GetReturnsNeedingReminder(ctx context.Context, now time.Time) ([]*model.MedicalCheckout, error) {
	ctx, span := otel.Tracer("Rule evaluator").Start(ctx, "Fetching returns needing reminder")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT c.id, c.patient_id, p.name, p.phone, c.return_date, c.created_at
		FROM medical_checkouts c
		JOIN patients p ON p.id = c.patient_id
		WHERE c.return_date = ($1::date + INTERVAL '1 day')::date
		ORDER BY c.created_at ASC
	`, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve return reminders", err)
	}
	defer rows.Close()

	var checkouts []*model.MedicalCheckout
	for rows.Next() {
		checkout := &model.MedicalCheckout{}
		var phone sql.NullString
		err = rows.Scan(&checkout.ID, &checkout.PatientID, &checkout.PatientName, &phone, &checkout.ReturnDate, &checkout.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan checkout", err)
		}
		checkout.PatientPhone = phone.String
		checkouts = append(checkouts, checkout)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over checkouts", err)
	}

	return checkouts, nil
}

// EnsureChat finds the chat for a phone number, creating it when missing.
// Concurrent schedulers racing on the same phone resolve to the same row.
func (d Datasource) EnsureChat(ctx context.Context, phone string, contactName string) (*model.Chat, error) {
	normalized := model.NormalizePhone(phone)
	if normalized == "" {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Phone number is empty", nil)
	}

	chat := &model.Chat{}
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO chats (phone, contact_name, status, created_at)
		VALUES ($1, $2, 'open', NOW())
		ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING id, phone, contact_name, status, created_at
	`, normalized, contactName).Scan(&chat.ID, &chat.Phone, &chat.ContactName, &chat.Status, &chat.CreatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to find or create chat", err)
	}

	return chat, nil
}

// RecordChatMessage appends a sent message to the chat history.
func (d Datasource) RecordChatMessage(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO chat_messages (chat_id, phone, sender, message_text, message_type, media_url, external_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, msg.ChatID, msg.Phone, msg.Sender, msg.MessageText, msg.MessageType, msg.MediaURL, msg.ExternalID, msg.Status, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record chat message", err)
	}

	return msg, nil
}
