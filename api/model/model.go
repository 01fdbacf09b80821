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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/clinicflow/relay/model"
)

// CreateScheduledMessage is the request body for enqueuing a message for
// dispatch. Either ChatID or Phone identifies the recipient, not both.
type CreateScheduledMessage struct {
	ChatID         int64                `json:"chat_id"`
	Phone          string               `json:"phone"`
	ItemType       string               `json:"item_type"`
	Title          string               `json:"title"`
	Payload        model.MessagePayload `json:"payload"`
	ScheduledFor   string               `json:"scheduled_for"`
	IdempotencyKey string               `json:"idempotency_key"`
}

func chatOrPhoneValidation(m *CreateScheduledMessage) validation.RuleFunc {
	return func(value interface{}) error {
		if m.ChatID == 0 && m.Phone == "" {
			return errors.New("either chat_id or phone is required")
		}
		if m.ChatID != 0 && m.Phone != "" {
			return errors.New("either chat_id or phone is required, not both")
		}
		return nil
	}
}

func validateDateFormat(value string) error {
	_, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return errors.New("please format the scheduled date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func (m *CreateScheduledMessage) ValidateCreateScheduledMessage() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.ChatID, validation.By(chatOrPhoneValidation(m))),
		validation.Field(&m.ItemType, validation.In(model.ItemTypeMacro, model.ItemTypeFunnel, model.ItemTypeAdhoc)),
		validation.Field(&m.Payload, validation.Required, validation.By(func(value interface{}) error {
			payload, ok := value.(model.MessagePayload)
			if !ok {
				return errors.New("invalid payload type")
			}
			return validatePayload(payload)
		})),
		validation.Field(&m.ScheduledFor, validation.Required, validation.By(func(value interface{}) error {
			return validateDateFormat(value.(string))
		})),
	)
}

func validatePayload(p model.MessagePayload) error {
	switch p.Type {
	case "", model.PayloadText, model.PayloadAudio, model.PayloadImage, model.PayloadVideo, model.PayloadDocument:
	default:
		return errors.New("payload type must be one of text, audio, image, video, document")
	}
	if p.Content == "" {
		return errors.New("payload content is required")
	}
	return nil
}

// ToScheduledMessage converts the validated request into the queue model.
func (m *CreateScheduledMessage) ToScheduledMessage() *model.ScheduledMessage {
	scheduledFor, _ := time.Parse(time.RFC3339, m.ScheduledFor)
	payload := m.Payload
	if payload.Type == "" {
		payload.Type = model.PayloadText
	}
	// EnsureChat normalizes the phone, so it is passed through untouched here.
	return &model.ScheduledMessage{
		ChatID:         m.ChatID,
		ChatPhone:      m.Phone,
		ItemType:       m.ItemType,
		Title:          m.Title,
		Payload:        payload,
		ScheduledFor:   scheduledFor,
		IdempotencyKey: m.IdempotencyKey,
	}
}
