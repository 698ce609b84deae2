package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/pkg/metrics"

	"github.com/google/uuid"
)

const enqueueTimeout = 5 * time.Second

// Broker is the publishing contract the dispatcher needs.
type Broker interface {
	PublishJob(ctx context.Context, job models.NotificationJob) error
	IsHealthy() bool
}

// Repository resolves the full ticket and queue for the minimal change
// payload.
type Repository interface {
	TicketByID(ctx context.Context, id string) (models.Ticket, error)
	QueueByID(ctx context.Context, id string) (models.Queue, error)
}

// Dispatcher turns ticket-called change events into notification jobs. It
// sits on the bus next to the fan-out router; enqueue failures are logged
// and swallowed so the operation that called the ticket never observes them.
type Dispatcher struct {
	broker         Broker
	repo           Repository
	logger         *slog.Logger
	defaultChannel string
}

func NewDispatcher(broker Broker, repo Repository, defaultChannel string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		broker:         broker,
		repo:           repo,
		logger:         logger,
		defaultChannel: defaultChannel,
	}
}

// HandleChange is the bus handler. Only called/recalled transitions produce
// a job; CALLED -> IN_SERVICE -> COMPLETED traffic passes through silently.
func (d *Dispatcher) HandleChange(ev models.ChangeEvent) {
	if !ev.Called() {
		return
	}

	kind := models.JobTicketCalled
	if ev.PrevStatus == models.StatusCalled {
		kind = models.JobTicketRecalled
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	job, err := d.buildJob(ctx, ev, kind)
	if err != nil {
		// Data error: the ticket or queue vanished under us. Drop the job,
		// never the pipeline.
		metrics.JobsPublished.WithLabelValues(kind, "dropped").Inc()
		d.logger.Warn("Dropping notification for unresolvable ticket",
			"ticket_id", ev.EntityID, "error", err)
		return
	}

	if err := d.broker.PublishJob(ctx, job); err != nil {
		metrics.JobsPublished.WithLabelValues(kind, "error").Inc()
		d.logger.Error("Failed to enqueue notification job",
			"job_id", job.JobID, "ticket_id", job.TicketID, "error", err)
		return
	}

	metrics.JobsPublished.WithLabelValues(kind, "ok").Inc()
	d.logger.Debug("Notification job enqueued", "job_id", job.JobID, "kind", kind, "token", job.Token)
}

func (d *Dispatcher) buildJob(ctx context.Context, ev models.ChangeEvent, kind string) (models.NotificationJob, error) {
	ticket, err := d.repo.TicketByID(ctx, ev.EntityID)
	if err != nil {
		return models.NotificationJob{}, err
	}
	queue, err := d.repo.QueueByID(ctx, ticket.QueueID)
	if err != nil {
		return models.NotificationJob{}, err
	}

	return models.NotificationJob{
		JobID:       uuid.NewString(),
		Kind:        kind,
		TicketID:    ticket.ID,
		QueueID:     queue.ID,
		QueueName:   queue.Name,
		Token:       ticket.Token,
		UserID:      ticket.UserID,
		Phone:       ticket.Phone,
		Email:       ticket.Email,
		ChannelHint: d.defaultChannel,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
