package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WhatsAppGatewayProvider sends freeform text through a self-hosted WhatsApp
// gateway (Evolution-style HTTP API). It acts as the fallback when the Cloud
// API is not configured.
type WhatsAppGatewayProvider struct {
	baseURL     string
	token       string
	countryCode string
	client      *http.Client
}

func NewWhatsAppGatewayProvider(baseURL, token, countryCode string) *WhatsAppGatewayProvider {
	return &WhatsAppGatewayProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		countryCode: countryCode,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WhatsAppGatewayProvider) Name() string { return "whatsapp-gateway" }

func (p *WhatsAppGatewayProvider) IsConfigured() bool {
	return p.baseURL != ""
}

func (p *WhatsAppGatewayProvider) FormatPhoneNumber(raw string) string {
	return NormalizePhone(raw, p.countryCode)
}

func (p *WhatsAppGatewayProvider) Send(ctx context.Context, to string, msg Message) (string, error) {
	if !p.IsConfigured() {
		return "", ErrNotConfigured
	}

	text := msg.Text
	if text == "" {
		// Structured message on a freeform backend: join the params
		text = strings.Join(msg.Params, " ")
	}

	payload := map[string]string{
		"phone":   p.FormatPhoneNumber(to),
		"message": text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send-text", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("whatsapp gateway rejected request: status %d", resp.StatusCode)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// Some gateway builds return an empty body on success
		return "", nil
	}
	return result.ID, nil
}
