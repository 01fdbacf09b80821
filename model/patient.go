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
	"strings"
	"time"
	"unicode"
)

// Patient is a message recipient tracked by the clinic.
type Patient struct {
	ID        int64      `json:"-"`
	PatientID string     `json:"id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NormalizePhone strips everything but digits from a stored phone number.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReachedMilestoneOn reports whether the patient turns exactly targetMonths
// old on the given day: birth date plus N calendar months lands on that day,
// not a range match.
func (p *Patient) ReachedMilestoneOn(targetMonths int, day time.Time) bool {
	if p.BirthDate == nil || targetMonths < 0 {
		return false
	}
	target := p.BirthDate.AddDate(0, targetMonths, 0)
	ty, tm, td := target.Date()
	dy, dm, dd := day.Date()
	return ty == dy && tm == dm && td == dd
}

// Appointment is a booked consultation slot.
type Appointment struct {
	ID           int64     `json:"-"`
	PatientID    int64     `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	PatientPhone string    `json:"patient_phone"`
	StartTime    time.Time `json:"start_time"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// NeedsReminder reports whether the appointment qualifies for a next-day
// reminder: it starts tomorrow relative to now and was booked at least one
// full day before it starts. Same-day bookings are never reminded.
func (a *Appointment) NeedsReminder(now time.Time) bool {
	tomorrow := now.AddDate(0, 0, 1)
	sy, sm, sd := a.StartTime.Date()
	ty, tm, td := tomorrow.Date()
	if sy != ty || sm != tm || sd != td {
		return false
	}
	return a.StartTime.Sub(a.CreatedAt) >= 24*time.Hour
}

// MedicalCheckout records the end of a consultation, optionally with a
// requested return date.
type MedicalCheckout struct {
	ID           int64      `json:"-"`
	PatientID    int64      `json:"patient_id"`
	PatientName  string     `json:"patient_name"`
	PatientPhone string     `json:"patient_phone"`
	ReturnDate   *time.Time `json:"return_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NeedsReminder reports whether the checkout's return date is tomorrow.
func (c *MedicalCheckout) NeedsReminder(now time.Time) bool {
	if c.ReturnDate == nil {
		return false
	}
	tomorrow := now.AddDate(0, 0, 1)
	ry, rm, rd := c.ReturnDate.Date()
	ty, tm, td := tomorrow.Date()
	return ry == ty && rm == tm && rd == td
}

// Chat is the conversation record a scheduled message is addressed to.
type Chat struct {
	ID          int64     `json:"-"`
	Phone       string    `json:"phone"`
	ContactName string    `json:"contact_name"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatMessage is the human-readable history row written after a successful
// send.
type ChatMessage struct {
	ID          int64     `json:"-"`
	ChatID      int64     `json:"chat_id"`
	Phone       string    `json:"phone"`
	Sender      string    `json:"sender"`
	MessageText string    `json:"message_text"`
	MessageType string    `json:"message_type"`
	MediaURL    string    `json:"media_url,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
