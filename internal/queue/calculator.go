package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/filaup/filaup/internal/models"
)

// Repository defines the data access contract for the calculator.
type Repository interface {
	WaitingTickets(ctx context.Context, queueID string) ([]models.Ticket, error)
	AverageServiceSeconds(ctx context.Context, queueID string, since time.Time) (float64, bool, error)
	QueueByID(ctx context.Context, id string) (models.Queue, error)
}

// Calculator computes queue positions and wait estimates. It is stateless:
// estimates feed client-facing ETAs, so every call goes back to storage
// instead of a cache.
type Calculator struct {
	repo   Repository
	window time.Duration
}

func NewCalculator(repo Repository, window time.Duration) *Calculator {
	return &Calculator{repo: repo, window: window}
}

// Position returns the 1-based rank of the ticket among the WAITING tickets
// of its queue, ordered by priority descending then creation time ascending.
// Returns 0 when the ticket is not WAITING (already called, in service, or
// otherwise out of line).
func (c *Calculator) Position(ctx context.Context, queueID, ticketID string) (int, error) {
	waiting, err := c.repo.WaitingTickets(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("position lookup failed: %w", err)
	}

	for i, t := range waiting {
		if t.ID == ticketID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// EstimateWait returns the estimated wait in seconds for a ticket at the
// given position. Position 0 means the ticket is already being handled and
// waits no longer.
//
// The per-queue service-time estimate prefers the mean of serviceTime values
// recorded on tickets completed inside the trailing window; with no
// qualifying samples it falls back to the queue's configured average.
func (c *Calculator) EstimateWait(ctx context.Context, ticket models.Ticket, position int) (int, error) {
	if position <= 0 {
		return 0, nil
	}

	estimate, err := c.serviceTimeEstimate(ctx, ticket.QueueID)
	if err != nil {
		return 0, err
	}
	return position * estimate, nil
}

func (c *Calculator) serviceTimeEstimate(ctx context.Context, queueID string) (int, error) {
	since := time.Now().Add(-c.window)
	avg, ok, err := c.repo.AverageServiceSeconds(ctx, queueID, since)
	if err != nil {
		return 0, fmt.Errorf("service-time average failed: %w", err)
	}
	if ok {
		return int(avg), nil
	}

	q, err := c.repo.QueueByID(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("queue lookup failed: %w", err)
	}
	return q.AvgServiceSeconds, nil
}

// Snapshot bundles position and ETA for one ticket, used when opening a
// ticket-scoped stream so reconnecting clients catch up immediately. ClientID
// carries the key of the client-scoped stream namespace, so a reconnecting
// client can resubscribe there too.
type Snapshot struct {
	TicketID   string `json:"ticket_id"`
	Token      string `json:"token"`
	Status     string `json:"status"`
	Position   int    `json:"position"`
	ETASeconds int    `json:"eta_seconds"`
	QueueID    string `json:"queue_id"`
	ClientID   string `json:"client_id,omitempty"`
}

func (c *Calculator) SnapshotFor(ctx context.Context, ticket models.Ticket) (Snapshot, error) {
	pos, err := c.Position(ctx, ticket.QueueID, ticket.ID)
	if err != nil {
		return Snapshot{}, err
	}
	eta, err := c.EstimateWait(ctx, ticket, pos)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TicketID:   ticket.ID,
		Token:      ticket.Token,
		Status:     ticket.Status,
		Position:   pos,
		ETASeconds: eta,
		QueueID:    ticket.QueueID,
		ClientID:   ticket.ClientID(),
	}, nil
}
