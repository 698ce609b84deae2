package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/filaup/filaup/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrAbandoned signals that a job was interrupted by shutdown and must be
// returned to the broker for redelivery rather than marked failed.
var ErrAbandoned = errors.New("job abandoned due to shutdown")

// Processor handles one decoded notification job. A nil return means the job
// is finished (delivered or terminally failed) and may be acknowledged.
type Processor interface {
	Process(ctx context.Context, job models.NotificationJob) error
}

// Consumer manages the connection and message flow from the notification
// queue. Each worker gets its own channel with QoS(1), so a worker handles
// one job at a time while the pool runs in parallel.
type Consumer struct {
	conn    *amqp.Connection
	handler Processor
	logger  *slog.Logger
	workers int
}

func NewConsumer(url string, workers int, handler Processor, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	return &Consumer{
		conn:    conn,
		handler: handler,
		logger:  logger,
		workers: workers,
	}, nil
}

// Listen declares the durable queue, binds it, and runs the worker pool. It
// blocks until the context is canceled or the connection dies.
func (c *Consumer) Listen(ctx context.Context) error {
	setup, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %v", err)
	}

	q, err := setup.QueueDeclare(NotifyQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}
	if err := setup.QueueBind(q.Name, NotifyKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}
	setup.Close()

	c.logger.Info("Notification consumer is online", "queue", q.Name, "workers", c.workers)

	var wg sync.WaitGroup
	errCh := make(chan error, c.workers)

	for i := 0; i < c.workers; i++ {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open worker channel: %v", err)
		}

		// QoS: prefetch 1 keeps each worker on a single in-flight job
		if err := ch.Qos(1, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %v", err)
		}

		msgs, err := ch.Consume(q.Name, fmt.Sprintf("worker-%d", i), false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %v", err)
		}

		wg.Add(1)
		go func(workerID int, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			if err := c.consumeLoop(ctx, workerID, msgs); err != nil {
				errCh <- err
			}
		}(i, msgs)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, workerID int, msgs <-chan amqp.Delivery) error {
	l := c.logger.With("worker", workerID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			var job models.NotificationJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				l.Error("Failed to unmarshal job", "error", err)
				d.Nack(false, false) // Drop malformed messages
				continue
			}

			err := c.handler.Process(ctx, job)
			if errors.Is(err, ErrAbandoned) {
				l.Warn("Returning job for redelivery", "job_id", job.JobID)
				d.Nack(false, true)
				continue
			}
			if err != nil {
				// Terminal processing errors are already recorded by the
				// worker; the message itself is done either way.
				l.Error("Job finished with error", "job_id", job.JobID, "error", err)
			}

			if err := d.Ack(false); err != nil {
				l.Error("Failed to Ack job", "job_id", job.JobID, "error", err)
			}
		}
	}
}

// Close gracefully terminates RabbitMQ resources.
func (c *Consumer) Close() {
	c.logger.Info("Shutting down notification consumer")
	c.conn.Close()
}
