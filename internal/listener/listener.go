// Package listener owns the single physical subscription to the storage
// change-notification channel. Every committed ticket mutation arrives here
// as a NOTIFY payload and is republished on the in-process bus; nothing else
// in the system ever touches the raw connection.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/pkg/infra"
	"github.com/filaup/filaup/pkg/metrics"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel the storage layer uses for the tickets table.
const Channel = "tickets_changed"

// Publisher is the in-process bus contract the listener republishes on.
type Publisher interface {
	Publish(ev models.ChangeEvent)
}

// ListenConn is one dedicated subscription connection.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

// ConnSource acquires dedicated connections for the subscription. The
// reconnect loop goes back to the source after every drop.
type ConnSource interface {
	Acquire(ctx context.Context) (ListenConn, error)
}

type poolSource struct {
	pool *pgxpool.Pool
}

func (s poolSource) Acquire(ctx context.Context) (ListenConn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return poolListenConn{conn: conn}, nil
}

type poolListenConn struct {
	conn *pgxpool.Conn
}

func (c poolListenConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c poolListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

func (c poolListenConn) Release() {
	c.conn.Release()
}

type Listener struct {
	source  ConnSource
	bus     Publisher
	logger  *slog.Logger
	backoff *infra.Backoff
	healthy atomic.Bool
}

func New(pool *pgxpool.Pool, bus Publisher, logger *slog.Logger) *Listener {
	return newListener(poolSource{pool: pool}, bus, logger, infra.NewBackoff(1*time.Second, 60*time.Second, 2.0))
}

func newListener(source ConnSource, bus Publisher, logger *slog.Logger, backoff *infra.Backoff) *Listener {
	return &Listener{
		source:  source,
		bus:     bus,
		logger:  logger,
		backoff: backoff,
	}
}

// Healthy reports whether the LISTEN subscription is currently established.
// Readiness probes use this to surface a change-capture outage.
func (l *Listener) Healthy() bool {
	return l.healthy.Load()
}

// Run blocks, maintaining the subscription until the context is canceled.
// Connection drops trigger reconnection with jittered exponential backoff;
// only fatal errors (bad credentials, malformed subscription) are returned.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)

		l.healthy.Store(false)
		metrics.ListenerHealthy.Set(0)

		if ctx.Err() != nil {
			l.logger.Info("Change listener shutting down")
			return nil
		}
		if isFatal(err) {
			l.logger.Error("Change listener hit a non-retryable error", "error", err)
			return err
		}

		wait := l.backoff.Next()
		metrics.ListenerReconnections.Inc()
		l.logger.Warn("Change-notification link lost, reconnecting",
			"wait", wait, "attempt", l.backoff.Attempts(), "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// listen acquires a dedicated connection, subscribes, and pumps
// notifications until the connection or context dies.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}

	l.healthy.Store(true)
	l.backoff.Reset()
	metrics.ListenerHealthy.Set(1)
	l.logger.Info("Change listener subscribed", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification failed: %w", err)
		}

		ev, err := parseChangeEvent([]byte(notification.Payload))
		if err != nil {
			// Data error: drop the single event, keep the pipeline alive.
			metrics.ChangeEventsDropped.Inc()
			l.logger.Warn("Dropping malformed change payload", "error", err, "payload", notification.Payload)
			continue
		}

		metrics.ChangeEventsReceived.WithLabelValues(ev.Action, ev.Status).Inc()
		l.bus.Publish(ev)
	}
}

// parseChangeEvent decodes one NOTIFY payload into a ChangeEvent.
func parseChangeEvent(payload []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("payload unmarshal error: %w", err)
	}
	if ev.EntityID == "" {
		return models.ChangeEvent{}, errors.New("change payload missing entity_id")
	}
	switch ev.Action {
	case models.ActionInsert, models.ActionUpdate, models.ActionDelete:
	default:
		return models.ChangeEvent{}, fmt.Errorf("unknown change action %q", ev.Action)
	}
	if ev.Action == models.ActionUpdate && ev.PrevStatus != "" && ev.Status != "" && ev.PrevStatus != ev.Status {
		if !models.ValidTransition(ev.PrevStatus, ev.Status) {
			return models.ChangeEvent{}, fmt.Errorf("invalid status transition %s -> %s", ev.PrevStatus, ev.Status)
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, nil
}

// isFatal separates configuration errors, which must surface, from transient
// network failures, which the reconnect loop absorbs.
func isFatal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "28000", "28P01": // invalid authorization, invalid password
		return true
	case "3D000": // database does not exist
		return true
	case "42601", "42602": // syntax error, invalid name (malformed subscription)
		return true
	}
	return false
}
