package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filaup/filaup/internal/broker"
	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/internal/provider"
	"github.com/filaup/filaup/internal/store"
	"github.com/filaup/filaup/pkg/metrics"

	"github.com/google/uuid"
)

// Store records delivery outcomes. Recording failures are logged, never
// allowed to break delivery itself.
type Store interface {
	InsertNotification(ctx context.Context, rec store.NotificationRecord) error
	MarkNotificationSent(ctx context.Context, id, providerMessageID string, attempts int) error
	MarkNotificationFailed(ctx context.Context, id, errLog string, attempts int) error
}

// Worker processes one notification job at a time: resolve the channel, pick
// the template strategy, call the provider, retry with backoff, record the
// outcome. It implements broker.Processor; the consumer pool runs several in
// parallel.
type Worker struct {
	store           Store
	providers       *provider.Registry
	templates       *provider.Templates
	strategy        Strategy
	providerTimeout time.Duration
	logger          *slog.Logger
}

func NewWorker(st Store, providers *provider.Registry, templates *provider.Templates, strategy Strategy, providerTimeout time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		store:           st,
		providers:       providers,
		templates:       templates,
		strategy:        strategy,
		providerTimeout: providerTimeout,
		logger:          logger,
	}
}

// Process handles one job to completion. A nil or terminal-error return lets
// the consumer ack; broker.ErrAbandoned sends the job back for redelivery.
func (w *Worker) Process(ctx context.Context, job models.NotificationJob) error {
	start := time.Now()
	defer func() {
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	l := w.logger.With("job_id", job.JobID, "ticket_id", job.TicketID, "kind", job.Kind)

	msg, err := w.renderMessage(job)
	if err != nil {
		// Configuration error: fail fast, no retry.
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		l.Error("Fatal: cannot render notification message", "error", err)
		return err
	}

	channel, recipient := resolveChannel(job)
	if channel == models.ChannelStream {
		// No out-of-band recipient: the live-stream path already carried the
		// event, nothing left to deliver here.
		metrics.JobsProcessed.WithLabelValues("dropped").Inc()
		l.Debug("Job has no out-of-band recipient, skipping")
		return nil
	}

	prov, err := w.pickProvider(channel)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		l.Error("Fatal: no usable provider", "channel", channel, "error", err)
		return err
	}

	rec := store.NotificationRecord{
		ID:        uuid.NewString(),
		JobID:     job.JobID,
		TicketID:  job.TicketID,
		Channel:   channel,
		Recipient: recipient,
		Provider:  prov.Name(),
	}
	if err := w.store.InsertNotification(context.WithoutCancel(ctx), rec); err != nil {
		l.Warn("Failed to record notification, delivering anyway", "error", err)
	}

	return w.deliver(ctx, l, prov, rec, recipient, msg)
}

// deliver runs the attempt loop: per-attempt timeout on the provider call,
// exponential backoff between attempts, terminal failure after exhaustion.
// The attempt context is detached from shutdown cancellation so a send
// already on the wire gets its full timeout to finish; shutdown is observed
// between attempts and abandons the job for redelivery.
func (w *Worker) deliver(ctx context.Context, l *slog.Logger, prov provider.Provider, rec store.NotificationRecord, recipient string, msg provider.Message) error {
	var lastErr error
	attemptsMade := 0

	for attempt := 1; attempt <= w.strategy.MaxAttempts; attempt++ {
		attemptsMade = attempt
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.providerTimeout)
		messageID, err := prov.Send(attemptCtx, recipient, msg)
		cancel()

		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(prov.Name(), "ok").Inc()
			metrics.JobsProcessed.WithLabelValues("sent").Inc()
			if err := w.store.MarkNotificationSent(context.WithoutCancel(ctx), rec.ID, messageID, attempt); err != nil {
				l.Warn("Failed to record delivery", "error", err)
			}
			l.Info("Notification delivered", "provider", prov.Name(), "attempts", attempt, "provider_message_id", messageID)
			return nil
		}

		metrics.ProviderAttempts.WithLabelValues(prov.Name(), "error").Inc()
		lastErr = err

		if ctx.Err() != nil {
			// Shutdown mid-job: hand the message back instead of burning the
			// remaining attempts.
			return broker.ErrAbandoned
		}
		if errors.Is(err, provider.ErrNotConfigured) {
			break
		}
		if w.strategy.Exhausted(attempt) {
			break
		}

		wait := w.strategy.Delay(attempt)
		l.Warn("Provider attempt failed, backing off", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return broker.ErrAbandoned
		}
	}

	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	if err := w.store.MarkNotificationFailed(context.WithoutCancel(ctx), rec.ID, lastErr.Error(), attemptsMade); err != nil {
		l.Warn("Failed to record exhausted delivery", "error", err)
	}
	l.Error("Notification attempts exhausted", "provider", prov.Name(), "attempts", attemptsMade, "error", lastErr)
	return fmt.Errorf("delivery exhausted after %d attempts: %w", attemptsMade, lastErr)
}

func (w *Worker) renderMessage(job models.NotificationJob) (provider.Message, error) {
	templateName, err := provider.TemplateForKind(job.Kind)
	if err != nil {
		return provider.Message{}, err
	}

	tctx := provider.TemplateContext{
		Ticket:    models.Ticket{ID: job.TicketID, Token: job.Token},
		QueueName: job.QueueName,
	}

	params, err := w.templates.Build(templateName, tctx)
	if err != nil {
		return provider.Message{}, err
	}
	text, err := provider.TextFor(templateName, tctx)
	if err != nil {
		return provider.Message{}, err
	}

	return provider.Message{Text: text, Template: templateName, Params: params}, nil
}

// resolveChannel picks the delivery channel from the recipient identity: a
// phone prefers the hinted channel, otherwise delivery already happened on
// the live stream.
func resolveChannel(job models.NotificationJob) (string, string) {
	if job.Phone != "" {
		switch job.ChannelHint {
		case models.ChannelSMS:
			return models.ChannelSMS, job.Phone
		default:
			return models.ChannelWhatsApp, job.Phone
		}
	}
	return models.ChannelStream, ""
}

// pickProvider returns a configured provider for the channel, falling back
// to the other phone channel when the preferred one has no credentials.
func (w *Worker) pickProvider(channel string) (provider.Provider, error) {
	prov, err := w.providers.ForChannel(channel)
	if err == nil {
		return prov, nil
	}

	fallback := models.ChannelSMS
	if channel == models.ChannelSMS {
		fallback = models.ChannelWhatsApp
	}
	if prov, fbErr := w.providers.ForChannel(fallback); fbErr == nil {
		w.logger.Warn("Falling back to alternate channel", "preferred", channel, "fallback", fallback)
		return prov, nil
	}
	return nil, err
}
