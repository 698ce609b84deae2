package provider

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/filaup/filaup/internal/models"
)

// ErrUnknownTemplate marks a template name nobody registered. It is a
// configuration error, not a retry condition.
var ErrUnknownTemplate = errors.New("unknown template")

// TemplateContext carries everything a parameter builder may need.
type TemplateContext struct {
	Ticket     models.Ticket
	QueueName  string
	Position   int
	ETASeconds int
}

// Builder turns a template context into the ordered parameter list of a
// structured provider message. Builders are pure so each template's
// rendering is testable without any provider.
type Builder func(TemplateContext) []string

// Templates maps symbolic template names to their parameter builders.
type Templates struct {
	builders map[string]Builder
}

func NewTemplates() *Templates {
	t := &Templates{builders: make(map[string]Builder)}

	t.Register("ticket_called", func(ctx TemplateContext) []string {
		return []string{ctx.Ticket.Token, ctx.QueueName}
	})
	t.Register("ticket_recalled", func(ctx TemplateContext) []string {
		return []string{ctx.Ticket.Token, ctx.QueueName}
	})
	t.Register("queue_position", func(ctx TemplateContext) []string {
		return []string{
			ctx.Ticket.Token,
			ctx.QueueName,
			strconv.Itoa(ctx.Position),
			strconv.Itoa(ctx.ETASeconds / 60),
		}
	})

	return t
}

func (t *Templates) Register(name string, b Builder) {
	t.builders[name] = b
}

// Build renders the ordered parameters for a named template.
func (t *Templates) Build(name string, ctx TemplateContext) ([]string, error) {
	b, ok := t.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return b(ctx), nil
}

// TextFor renders the freeform body used by providers without structured
// templates.
func TextFor(name string, ctx TemplateContext) (string, error) {
	switch name {
	case "ticket_called":
		return fmt.Sprintf("It's your turn! Ticket %s is being called at %s.", ctx.Ticket.Token, ctx.QueueName), nil
	case "ticket_recalled":
		return fmt.Sprintf("Last call for ticket %s at %s. Please come to the counter.", ctx.Ticket.Token, ctx.QueueName), nil
	case "queue_position":
		return fmt.Sprintf("Ticket %s: position %d in %s, about %d min remaining.",
			ctx.Ticket.Token, ctx.Position, ctx.QueueName, ctx.ETASeconds/60), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
}

// TemplateForKind maps a job kind to its template name.
func TemplateForKind(kind string) (string, error) {
	switch kind {
	case models.JobTicketCalled:
		return "ticket_called", nil
	case models.JobTicketRecalled:
		return "ticket_recalled", nil
	default:
		return "", fmt.Errorf("%w: no template for job kind %q", ErrUnknownTemplate, kind)
	}
}
