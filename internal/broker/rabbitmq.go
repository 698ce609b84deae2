package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange    = "filaup.topic"
	NotifyKey   = "notify.ticket"
	NotifyQueue = "filaup.notify"
)

// Client handles the publishing side of the notification job queue.
// Publisher confirms are enabled so an accepted Publish means the broker has
// persisted the job.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient initializes a connection and a channel, declares the topic
// exchange, and enables Publisher Confirms.
func NewClient(url string, l *slog.Logger) (*Client, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		select {
		case err := <-client.connClosed:
			client.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-client.chanClosed:
			client.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-client.ctx.Done():
			return
		}
	}()
	l.Info("Connected to RabbitMQ, close monitors established", "url", url)
	return client, nil
}

// PublishJob sends a notification job to the broker and blocks until a
// confirmation (ACK/NACK) is received.
func (c *Client) PublishJob(ctx context.Context, job models.NotificationJob) error {
	if !c.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %v", err)
	}

	l := c.logger.With(
		"job_id", job.JobID,
		"ticket_id", job.TicketID,
	)

	deferred, err := c.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		Exchange,
		NotifyKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"job_id": job.JobID,
				"kind":   job.Kind,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("failed to publish job to exchange", "error", err)
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: job not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the RabbitMQ resources.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Terminating RabbitMQ client")
		c.cancel()
		if c.channel != nil {
			c.channel.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}
