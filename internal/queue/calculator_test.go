package queue

import (
	"context"
	"testing"
	"time"

	"github.com/filaup/filaup/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	waiting []models.Ticket
	avg     float64
	avgOK   bool
	queue   models.Queue
	err     error
}

func (f *fakeRepo) WaitingTickets(ctx context.Context, queueID string) ([]models.Ticket, error) {
	return f.waiting, f.err
}

func (f *fakeRepo) AverageServiceSeconds(ctx context.Context, queueID string, since time.Time) (float64, bool, error) {
	return f.avg, f.avgOK, f.err
}

func (f *fakeRepo) QueueByID(ctx context.Context, id string) (models.Queue, error) {
	return f.queue, f.err
}

func waitingTicket(id string, priority int, createdAt time.Time) models.Ticket {
	return models.Ticket{
		ID:        id,
		QueueID:   "q1",
		Status:    models.StatusWaiting,
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

func TestCalculator_Position(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Repository returns tickets in serving order: priority desc, createdAt asc
	repo := &fakeRepo{waiting: []models.Ticket{
		waitingTicket("t-vip", 10, base.Add(5*time.Minute)),
		waitingTicket("t-first", 0, base),
		waitingTicket("t-second", 0, base.Add(time.Minute)),
	}}
	calc := NewCalculator(repo, 3*time.Hour)

	tests := []struct {
		name     string
		ticketID string
		expected int
	}{
		{"higher priority ranks first despite later arrival", "t-vip", 1},
		{"same priority ordered by arrival", "t-first", 2},
		{"last arrival ranks last", "t-second", 3},
		{"unknown ticket is not waiting", "t-gone", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := calc.Position(context.Background(), "q1", tt.ticketID)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pos)
		})
	}
}

func TestCalculator_Position_EmptyQueue(t *testing.T) {
	calc := NewCalculator(&fakeRepo{}, 3*time.Hour)

	pos, err := calc.Position(context.Background(), "q1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestCalculator_EstimateWait_FallbackAverage(t *testing.T) {
	// No completions inside the window: the queue's configured average applies.
	repo := &fakeRepo{
		avgOK: false,
		queue: models.Queue{ID: "q1", AvgServiceSeconds: 300},
	}
	calc := NewCalculator(repo, 3*time.Hour)

	eta, err := calc.EstimateWait(context.Background(), models.Ticket{QueueID: "q1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, 900, eta)
}

func TestCalculator_EstimateWait_RollingAverage(t *testing.T) {
	// Two completions of 120s and 180s inside the window: mean is 150s.
	repo := &fakeRepo{
		avg:   150,
		avgOK: true,
		queue: models.Queue{ID: "q1", AvgServiceSeconds: 300},
	}
	calc := NewCalculator(repo, 3*time.Hour)

	eta, err := calc.EstimateWait(context.Background(), models.Ticket{QueueID: "q1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 300, eta)
}

func TestCalculator_EstimateWait_AlreadyCalled(t *testing.T) {
	calc := NewCalculator(&fakeRepo{}, 3*time.Hour)

	eta, err := calc.EstimateWait(context.Background(), models.Ticket{QueueID: "q1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, eta)
}

func TestCalculator_EstimateWait_Monotonic(t *testing.T) {
	repo := &fakeRepo{avg: 90, avgOK: true}
	calc := NewCalculator(repo, 3*time.Hour)

	prev := 0
	for pos := 1; pos <= 10; pos++ {
		eta, err := calc.EstimateWait(context.Background(), models.Ticket{QueueID: "q1"}, pos)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, eta, prev)
		prev = eta
	}
}

func TestCalculator_SnapshotFor(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &fakeRepo{
		waiting: []models.Ticket{
			waitingTicket("t1", 0, base),
			waitingTicket("t2", 0, base.Add(time.Minute)),
		},
		queue: models.Queue{ID: "q1", AvgServiceSeconds: 60},
	}
	calc := NewCalculator(repo, 3*time.Hour)

	ticket := waitingTicket("t2", 0, base.Add(time.Minute))
	ticket.Token = "C002"
	ticket.Phone = "11987654321"

	snap, err := calc.SnapshotFor(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Position)
	assert.Equal(t, 120, snap.ETASeconds)
	assert.Equal(t, "C002", snap.Token)
	assert.Equal(t, "11987654321", snap.ClientID)
}
