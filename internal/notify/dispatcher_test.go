package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/filaup/filaup/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	published []models.NotificationJob
	err       error
}

func (f *fakeBroker) PublishJob(ctx context.Context, job models.NotificationJob) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, job)
	return nil
}

func (f *fakeBroker) IsHealthy() bool { return f.err == nil }

type fakeRepo struct {
	ticket models.Ticket
	queue  models.Queue
	err    error
}

func (f *fakeRepo) TicketByID(ctx context.Context, id string) (models.Ticket, error) {
	return f.ticket, f.err
}

func (f *fakeRepo) QueueByID(ctx context.Context, id string) (models.Queue, error) {
	return f.queue, f.err
}

func calledEvent(prevStatus string) models.ChangeEvent {
	calledAt := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	return models.ChangeEvent{
		EntityID:   "t-1",
		Action:     models.ActionUpdate,
		Table:      "tickets",
		Status:     models.StatusCalled,
		PrevStatus: prevStatus,
		QueueID:    "q-1",
		Token:      "C012",
		CalledAt:   calledAt,
		OccurredAt: calledAt,
	}
}

func testDispatcher(b *fakeBroker, r *fakeRepo) *Dispatcher {
	return NewDispatcher(b, r, models.ChannelWhatsApp, slog.Default())
}

func TestDispatcher_CalledTransitionEnqueuesOneJob(t *testing.T) {
	b := &fakeBroker{}
	r := &fakeRepo{
		ticket: models.Ticket{ID: "t-1", QueueID: "q-1", Token: "C012", Phone: "11987654321"},
		queue:  models.Queue{ID: "q-1", Name: "Caixa"},
	}
	d := testDispatcher(b, r)

	d.HandleChange(calledEvent(models.StatusWaiting))

	require.Len(t, b.published, 1)
	job := b.published[0]
	assert.Equal(t, models.JobTicketCalled, job.Kind)
	assert.Equal(t, "t-1", job.TicketID)
	assert.Equal(t, "C012", job.Token)
	assert.Equal(t, "Caixa", job.QueueName)
	assert.Equal(t, "11987654321", job.Phone)
	assert.NotEmpty(t, job.JobID)
}

func TestDispatcher_RecallEnqueuesRecalledJob(t *testing.T) {
	b := &fakeBroker{}
	r := &fakeRepo{
		ticket: models.Ticket{ID: "t-1", QueueID: "q-1", Token: "C012"},
		queue:  models.Queue{ID: "q-1", Name: "Caixa"},
	}
	d := testDispatcher(b, r)

	d.HandleChange(calledEvent(models.StatusCalled))

	require.Len(t, b.published, 1)
	assert.Equal(t, models.JobTicketRecalled, b.published[0].Kind)
}

func TestDispatcher_UnchangedCalledAtEnqueuesNothing(t *testing.T) {
	b := &fakeBroker{}
	r := &fakeRepo{
		ticket: models.Ticket{ID: "t-1", QueueID: "q-1", Token: "C012"},
		queue:  models.Queue{ID: "q-1", Name: "Caixa"},
	}
	d := testDispatcher(b, r)

	// An unrelated field update on an already-CALLED ticket carries the same
	// called_at on both sides; it must not look like a recall.
	ev := calledEvent(models.StatusCalled)
	ev.PrevCalledAt = ev.CalledAt
	d.HandleChange(ev)

	assert.Empty(t, b.published)
}

func TestDispatcher_NonCalledTransitionsEnqueueNothing(t *testing.T) {
	b := &fakeBroker{}
	d := testDispatcher(b, &fakeRepo{})

	transitions := []struct{ status, prev string }{
		{models.StatusInService, models.StatusCalled},
		{models.StatusCompleted, models.StatusInService},
		{models.StatusWaiting, ""},
		{models.StatusNoShow, models.StatusWaiting},
	}
	for _, tr := range transitions {
		ev := calledEvent(tr.prev)
		ev.Status = tr.status
		if tr.status != models.StatusCalled {
			ev.CalledAt = time.Time{}
		}
		d.HandleChange(ev)
	}

	assert.Empty(t, b.published)
}

func TestDispatcher_EnqueueFailureIsSwallowed(t *testing.T) {
	b := &fakeBroker{err: errors.New("broker down")}
	r := &fakeRepo{
		ticket: models.Ticket{ID: "t-1", QueueID: "q-1", Token: "C012"},
		queue:  models.Queue{ID: "q-1", Name: "Caixa"},
	}
	d := testDispatcher(b, r)

	// Must not panic or propagate: calling a ticket never fails because the
	// notification channel is unavailable.
	d.HandleChange(calledEvent(models.StatusWaiting))

	assert.Empty(t, b.published)
}

func TestDispatcher_MissingTicketDropsJob(t *testing.T) {
	b := &fakeBroker{}
	d := testDispatcher(b, &fakeRepo{err: errors.New("not found")})

	d.HandleChange(calledEvent(models.StatusWaiting))

	assert.Empty(t, b.published)
}
