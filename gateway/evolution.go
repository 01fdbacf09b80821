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

// Package gateway talks to the Evolution messaging API, the outbound channel
// every dispatched message goes through.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/clinicflow/relay/config"
	"github.com/clinicflow/relay/internal/request"
	"github.com/clinicflow/relay/model"
)

// SendResult is the gateway's verdict on one send attempt.
type SendResult struct {
	Ok         bool                   `json:"ok"`
	Status     int                    `json:"status"`
	ExternalID string                 `json:"external_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Sender dispatches one payload to a phone number.
type Sender interface {
	Send(ctx context.Context, phone string, payload model.MessagePayload) (*SendResult, error)
}

// EvolutionClient sends messages through an Evolution API instance.
type EvolutionClient struct {
	baseURL  string
	apiKey   string
	instance string
}

// NewEvolutionClient builds a client from the gateway section of the
// configuration. All three fields are required.
func NewEvolutionClient(conf config.GatewayConfig) (*EvolutionClient, error) {
	if conf.BaseURL == "" || conf.APIKey == "" || conf.Instance == "" {
		return nil, fmt.Errorf("gateway is not configured (base_url, api_key, instance)")
	}
	return &EvolutionClient{
		baseURL:  strings.TrimRight(conf.BaseURL, "/"),
		apiKey:   conf.APIKey,
		instance: conf.Instance,
	}, nil
}

// Send posts the payload to the endpoint matching its type. A non-2xx
// response is not an error at this level; the caller reads SendResult.Status
// to decide whether the failure is worth retrying.
func (c *EvolutionClient) Send(ctx context.Context, phone string, payload model.MessagePayload) (*SendResult, error) {
	endpoint := "/message/sendText/" + url.PathEscape(c.instance)
	body := map[string]interface{}{
		"number": phone,
		"delay":  1000,
	}

	switch payload.Type {
	case model.PayloadText:
		body["text"] = payload.Content
	case model.PayloadAudio:
		endpoint = "/message/sendWhatsAppAudio/" + url.PathEscape(c.instance)
		body["audio"] = payload.Content
		body["encoding"] = true
	case model.PayloadImage, model.PayloadVideo, model.PayloadDocument:
		endpoint = "/message/sendMedia/" + url.PathEscape(c.instance)
		body["media"] = payload.Content
		body["mediatype"] = payload.Type
		body["caption"] = payload.Caption
	default:
		body["text"] = payload.Content
	}

	jsonBody, err := request.ToJsonReq(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, jsonBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil && resp == nil {
		return nil, err
	}

	result := &SendResult{
		Ok:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Details: response,
	}
	result.ExternalID = extractExternalID(response)

	return result, nil
}

// extractExternalID pulls the provider message ID out of the response. The
// API returns it under key.id for successful sends.
func extractExternalID(response map[string]interface{}) string {
	if response == nil {
		return ""
	}
	if key, ok := response["key"].(map[string]interface{}); ok {
		if id, ok := key["id"].(string); ok {
			return id
		}
	}
	if id, ok := response["id"].(string); ok {
		return id
	}
	return ""
}
