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

	"github.com/clinicflow/relay/internal/apierror"
	"github.com/clinicflow/relay/model"
)

// EnqueueScheduledMessage queues a message for dispatch. When the message
// carries a recipient phone instead of a chat id, the chat row is resolved or
// created first.
func (r *Relay) EnqueueScheduledMessage(ctx context.Context, msg *model.ScheduledMessage) (*model.ScheduledMessage, error) {
	if msg.ChatID == 0 {
		if msg.ChatPhone == "" {
			return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Either chat_id or phone is required", nil)
		}
		chat, err := r.datasource.EnsureChat(ctx, msg.ChatPhone, "")
		if err != nil {
			return nil, err
		}
		msg.ChatID = chat.ID
	}
	if msg.ItemType == "" {
		msg.ItemType = model.ItemTypeAdhoc
	}
	return r.datasource.CreateScheduledMessage(ctx, msg)
}

// GetScheduledMessage fetches a queued message by its public message id.
func (r *Relay) GetScheduledMessage(ctx context.Context, messageID string) (*model.ScheduledMessage, error) {
	return r.datasource.GetScheduledMessage(ctx, messageID)
}

// GetDeadLetters returns the most recent dead-letter records, newest first.
func (r *Relay) GetDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.datasource.GetDeadLetters(ctx, limit, offset)
}
