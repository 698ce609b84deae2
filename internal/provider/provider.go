// Package provider presents one interface over the SMS and WhatsApp vendor
// APIs. Providers are selected at construction time by configuration and
// availability, never inferred at call time.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned by providers whose credentials are missing.
// It is a configuration error: fail fast, never retried.
var ErrNotConfigured = errors.New("provider not configured")

// Message is the provider-independent payload. Freeform providers use Text;
// structured providers use Template plus its ordered Params.
type Message struct {
	Text     string
	Template string
	Params   []string
}

// Provider is the uniform delivery contract. Send returns the vendor's
// message id on success.
type Provider interface {
	Name() string
	Send(ctx context.Context, to string, msg Message) (string, error)
	FormatPhoneNumber(raw string) string
	IsConfigured() bool
}

// NormalizePhone applies best-effort phone normalization: strip everything
// but digits, keep numbers that already carry the country prefix, prepend
// the default country code to bare 8-11 digit numbers, and pass anything
// else through unchanged.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return raw
	case strings.HasPrefix(digits, countryCode) && len(digits) > 11:
		return digits
	case len(digits) >= 8 && len(digits) <= 11:
		return countryCode + digits
	default:
		return digits
	}
}

// Registry holds the providers available per channel, in preference order.
type Registry struct {
	byChannel map[string][]Provider
}

func NewRegistry() *Registry {
	return &Registry{byChannel: make(map[string][]Provider)}
}

func (r *Registry) Register(channel string, p Provider) {
	r.byChannel[channel] = append(r.byChannel[channel], p)
}

// ForChannel returns the first configured provider for the channel. With no
// configured candidate the whole channel is unusable, which callers treat as
// a terminal (non-retryable) condition.
func (r *Registry) ForChannel(channel string) (Provider, error) {
	candidates := r.byChannel[channel]
	for _, p := range candidates {
		if p.IsConfigured() {
			return p, nil
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider registered for channel %q: %w", channel, ErrNotConfigured)
	}
	return nil, fmt.Errorf("no configured provider for channel %q: %w", channel, ErrNotConfigured)
}
