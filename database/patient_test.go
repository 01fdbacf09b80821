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

package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

func TestGetMilestonePatients(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	birthDate := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "patient_id", "name", "phone", "birth_date", "created_at"}).
		AddRow(7, "pat_7", "Maria", "+55 (11) 99999-8888", birthDate, time.Now())

	mock.ExpectQuery("SELECT id, patient_id, name, phone").
		WithArgs(4, day).
		WillReturnRows(rows)

	patients, err := ds.GetMilestonePatients(context.Background(), day, 4)
	assert.NoError(t, err)
	assert.Len(t, patients, 1)
	assert.Equal(t, "Maria", patients[0].Name)
	assert.True(t, patients[0].ReachedMilestoneOn(4, day))
}

func TestGetAppointmentsNeedingReminder(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	start := time.Date(2025, 9, 2, 14, 30, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "patient_id", "name", "phone", "start_time", "status", "created_at"}).
		AddRow(31, 7, "Maria", "5511999998888", start, "confirmed", now.AddDate(0, 0, -3))

	mock.ExpectQuery("SELECT a.id, a.patient_id").
		WithArgs(now).
		WillReturnRows(rows)

	appointments, err := ds.GetAppointmentsNeedingReminder(context.Background(), now)
	assert.NoError(t, err)
	assert.Len(t, appointments, 1)
	assert.Equal(t, "Maria", appointments[0].PatientName)
	assert.True(t, appointments[0].NeedsReminder(now))
}

func TestGetReturnsNeedingReminder(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	returnDate := time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "patient_id", "name", "phone", "return_date", "created_at"}).
		AddRow(12, 7, "Maria", "5511999998888", returnDate, now.AddDate(0, 0, -30))

	mock.ExpectQuery("SELECT c.id, c.patient_id").
		WithArgs(now).
		WillReturnRows(rows)

	checkouts, err := ds.GetReturnsNeedingReminder(context.Background(), now)
	assert.NoError(t, err)
	assert.Len(t, checkouts, 1)
	assert.NotNil(t, checkouts[0].ReturnDate)
	assert.True(t, checkouts[0].NeedsReminder(now))
}

func TestEnsureChat_NormalizesPhone(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectQuery("INSERT INTO chats").
		WithArgs("5511999998888", "Maria").
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone", "contact_name", "status", "created_at"}).
			AddRow(42, "5511999998888", "Maria", "open", now))

	chat, err := ds.EnsureChat(context.Background(), "+55 (11) 99999-8888", "Maria")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), chat.ID)
	assert.Equal(t, "5511999998888", chat.Phone)
}

func TestEnsureChat_EmptyPhone(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	_, err = ds.EnsureChat(context.Background(), "  ", "Maria")
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrBadRequest, apiErr.Code)
}

func TestRecordChatMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))

	msg, err := ds.RecordChatMessage(context.Background(), &model.ChatMessage{
		ChatID:      42,
		Phone:       "5511999998888",
		Sender:      "system",
		MessageText: "hello",
		MessageType: "text",
		Status:      "sent",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(99), msg.ID)
}
