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

package gateway

import (
	"context"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/clinicflow/relay/config"
	"github.com/clinicflow/relay/model"
)

func testClient(t *testing.T) *EvolutionClient {
	t.Helper()
	client, err := NewEvolutionClient(config.GatewayConfig{
		BaseURL:  "http://evolution.example.com",
		APIKey:   "secret",
		Instance: "clinic",
	})
	assert.NoError(t, err)
	return client
}

func TestNewEvolutionClient_RequiresConfig(t *testing.T) {
	_, err := NewEvolutionClient(config.GatewayConfig{BaseURL: "http://evolution.example.com"})
	assert.Error(t, err)
}

func TestSendText_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://evolution.example.com/message/sendText/clinic",
		httpmock.NewStringResponder(201, `{"key": {"id": "WPP123"}, "status": "PENDING"}`))

	client := testClient(t)
	result, err := client.Send(context.Background(), "5511999998888", model.MessagePayload{
		Type:    model.PayloadText,
		Content: "hello",
	})

	assert.NoError(t, err)
	assert.True(t, result.Ok)
	assert.Equal(t, 201, result.Status)
	assert.Equal(t, "WPP123", result.ExternalID)
}

func TestSendMedia_UsesMediaEndpoint(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://evolution.example.com/message/sendMedia/clinic",
		httpmock.NewStringResponder(200, `{"id": "WPP456"}`))

	client := testClient(t)
	result, err := client.Send(context.Background(), "5511999998888", model.MessagePayload{
		Type:    model.PayloadImage,
		Content: "https://cdn.example.com/photo.png",
		Caption: "see you soon",
	})

	assert.NoError(t, err)
	assert.True(t, result.Ok)
	assert.Equal(t, "WPP456", result.ExternalID)
}

func TestSendAudio_UsesAudioEndpoint(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://evolution.example.com/message/sendWhatsAppAudio/clinic",
		httpmock.NewStringResponder(200, `{"key": {"id": "WPP789"}}`))

	client := testClient(t)
	result, err := client.Send(context.Background(), "5511999998888", model.MessagePayload{
		Type:    model.PayloadAudio,
		Content: "https://cdn.example.com/voice.ogg",
	})

	assert.NoError(t, err)
	assert.True(t, result.Ok)
}

func TestSend_GatewayErrorIsNotATransportError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://evolution.example.com/message/sendText/clinic",
		httpmock.NewStringResponder(503, `{"error": "instance unavailable"}`))

	client := testClient(t)
	result, err := client.Send(context.Background(), "5511999998888", model.MessagePayload{
		Type:    model.PayloadText,
		Content: "hello",
	})

	assert.NoError(t, err)
	assert.False(t, result.Ok)
	assert.Equal(t, 503, result.Status)
	assert.Empty(t, result.ExternalID)
}
