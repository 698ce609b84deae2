package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SMSProvider delivers freeform text through a generic HTTP SMS gateway.
type SMSProvider struct {
	apiURL      string
	apiKey      string
	from        string
	countryCode string
	client      *http.Client
}

func NewSMSProvider(apiURL, apiKey, from, countryCode string) *SMSProvider {
	return &SMSProvider{
		apiURL:      apiURL,
		apiKey:      apiKey,
		from:        from,
		countryCode: countryCode,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *SMSProvider) Name() string { return "sms-gateway" }

func (p *SMSProvider) IsConfigured() bool {
	return p.apiURL != "" && p.apiKey != ""
}

func (p *SMSProvider) FormatPhoneNumber(raw string) string {
	return NormalizePhone(raw, p.countryCode)
}

func (p *SMSProvider) Send(ctx context.Context, to string, msg Message) (string, error) {
	if !p.IsConfigured() {
		return "", ErrNotConfigured
	}

	payload := map[string]string{
		"to":      p.FormatPhoneNumber(to),
		"from":    p.from,
		"message": msg.Text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms gateway rejected request: status %d", resp.StatusCode)
	}

	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode sms response: %w", err)
	}
	return result.MessageID, nil
}
