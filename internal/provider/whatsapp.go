package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const waCloudBaseURL = "https://graph.facebook.com/v19.0"

// WhatsAppCloudProvider sends structured template messages through the Meta
// WhatsApp Cloud API. Freeform text is rejected by the API outside a service
// window, so this provider only accepts template messages.
type WhatsAppCloudProvider struct {
	token       string
	phoneID     string
	countryCode string
	baseURL     string
	client      *http.Client
}

func NewWhatsAppCloudProvider(token, phoneID, countryCode string) *WhatsAppCloudProvider {
	return &WhatsAppCloudProvider{
		token:       token,
		phoneID:     phoneID,
		countryCode: countryCode,
		baseURL:     waCloudBaseURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WhatsAppCloudProvider) Name() string { return "whatsapp-cloud" }

func (p *WhatsAppCloudProvider) IsConfigured() bool {
	return p.token != "" && p.phoneID != ""
}

func (p *WhatsAppCloudProvider) FormatPhoneNumber(raw string) string {
	return NormalizePhone(raw, p.countryCode)
}

type waTemplateComponent struct {
	Type       string            `json:"type"`
	Parameters []waTemplateParam `json:"parameters"`
}

type waTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *WhatsAppCloudProvider) Send(ctx context.Context, to string, msg Message) (string, error) {
	if !p.IsConfigured() {
		return "", ErrNotConfigured
	}
	if msg.Template == "" {
		return "", fmt.Errorf("whatsapp cloud requires a template message")
	}

	params := make([]waTemplateParam, 0, len(msg.Params))
	for _, value := range msg.Params {
		params = append(params, waTemplateParam{Type: "text", Text: value})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                p.FormatPhoneNumber(to),
		"type":              "template",
		"template": map[string]any{
			"name":     msg.Template,
			"language": map[string]string{"code": "pt_BR"},
			"components": []waTemplateComponent{
				{Type: "body", Parameters: params},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", p.baseURL, p.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("whatsapp cloud rejected request: status %d", resp.StatusCode)
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode whatsapp response: %w", err)
	}
	if len(result.Messages) == 0 {
		return "", fmt.Errorf("whatsapp cloud returned no message id")
	}
	return result.Messages[0].ID, nil
}
