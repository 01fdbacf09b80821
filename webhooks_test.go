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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/clinicflow/relay/config"
	"github.com/clinicflow/relay/database/mocks"
	"github.com/clinicflow/relay/gateway"
	"github.com/clinicflow/relay/model"
)

func TestSendWebhook(t *testing.T) {
	var gotBody map[string]interface{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	conf := &config.Configuration{}
	conf.Notification.Webhook.Url = srv.URL
	conf.Notification.Webhook.Headers = map[string]string{"X-Api-Key": "secret"}
	config.MockConfig(conf)

	err := SendWebhook(NewWebhook{
		Event:   "message.dead_lettered",
		Payload: map[string]string{"message_id": "msg_123"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "secret", gotAuth)
	assert.Equal(t, "message.dead_lettered", gotBody["event"])
	data, ok := gotBody["data"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "msg_123", data["message_id"])
}

func TestSendWebhook_NoURLConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{})

	err := SendWebhook(NewWebhook{Event: "message.dead_lettered", Payload: nil})
	assert.NoError(t, err)
}

// A dead-lettered message must reach the configured webhook consumer, not
// just the dead-letter table.
func TestDeadLetterTriggersWebhook(t *testing.T) {
	var hits int32
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	conf := &config.Configuration{}
	conf.Notification.Webhook.Url = srv.URL
	config.MockConfig(conf)

	ds := new(mocks.MockDataSource)
	sender := new(mockSender)
	r := newTestRelay(ds, sender)

	msg := claimedMessage(2)
	ds.On("ClaimScheduledMessages", mock.Anything, "worker-test", 25, 10*time.Minute).
		Return([]*model.ScheduledMessage{msg}, nil)
	ds.On("RecordRunLogEvent", mock.Anything, mock.Anything).Return(nil)
	ds.On("MarkDispatchFailure", mock.Anything, "msg_1", mock.Anything, model.StatusFailed, 3, (*time.Time)(nil), "gateway_send_failed_500").Return(nil)
	ds.On("InsertDeadLetter", mock.Anything, mock.Anything).Return(nil)

	sender.On("Send", mock.Anything, "5511999998888", msg.Payload).
		Return(&gateway.SendResult{Ok: false, Status: 500}, nil)

	summary, err := r.ProcessDueMessages(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLetterCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, "message.dead_lettered", gotBody["event"])
	ds.AssertExpectations(t)
}
