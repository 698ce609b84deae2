package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filaup/filaup/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("record not found")

// PostgresStore implements the query endpoints the pipeline needs from
// storage. Transactional writes to tickets live in the staff-facing API and
// are out of scope here; the store only reads, records notification outcomes
// and runs the abandonment sweep.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	return &PostgresStore{pool: p}, nil
}

// Pool exposes the underlying pool so the change listener can acquire a
// dedicated connection for LISTEN.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// WaitingTickets returns the WAITING tickets of a queue in serving order:
// priority descending, then creation time ascending.
func (s *PostgresStore) WaitingTickets(ctx context.Context, queueID string) ([]models.Ticket, error) {
	query := `
        SELECT id, queue_id, token, status, priority,
               COALESCE(user_id, ''), COALESCE(phone, ''), COALESCE(email, ''),
               created_at, called_at, completed_at
        FROM tickets
        WHERE queue_id = $1 AND status = $2
        ORDER BY priority DESC, created_at ASC
    `

	rows, err := s.pool.Query(ctx, query, queueID, models.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch waiting tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		var t models.Ticket
		err := rows.Scan(
			&t.ID,
			&t.QueueID,
			&t.Token,
			&t.Status,
			&t.Priority,
			&t.UserID,
			&t.Phone,
			&t.Email,
			&t.CreatedAt,
			&t.CalledAt,
			&t.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ticket scan error: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// AverageServiceSeconds returns the mean recorded service time of tickets
// completed in the queue since the given cutoff. ok is false when no
// qualifying samples exist.
func (s *PostgresStore) AverageServiceSeconds(ctx context.Context, queueID string, since time.Time) (float64, bool, error) {
	query := `
        SELECT AVG(service_seconds)::float8
        FROM tickets
        WHERE queue_id = $1
          AND status = $2
          AND completed_at >= $3
          AND service_seconds > 0
    `

	var avg *float64
	err := s.pool.QueryRow(ctx, query, queueID, models.StatusCompleted, since).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("failed to compute service-time average: %w", err)
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

func (s *PostgresStore) TicketByID(ctx context.Context, id string) (models.Ticket, error) {
	query := `
        SELECT id, queue_id, token, status, priority,
               COALESCE(user_id, ''), COALESCE(phone, ''), COALESCE(email, ''),
               COALESCE(service_seconds, 0), created_at, called_at, completed_at
        FROM tickets
        WHERE id = $1
    `

	var t models.Ticket
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.QueueID,
		&t.Token,
		&t.Status,
		&t.Priority,
		&t.UserID,
		&t.Phone,
		&t.Email,
		&t.ServiceSeconds,
		&t.CreatedAt,
		&t.CalledAt,
		&t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, ErrNotFound
	}
	if err != nil {
		return models.Ticket{}, fmt.Errorf("failed to fetch ticket: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) QueueByID(ctx context.Context, id string) (models.Queue, error) {
	query := `
        SELECT id, tenant_id, name, type, capacity,
               avg_service_seconds, tolerance_seconds, active
        FROM queues
        WHERE id = $1
    `

	var q models.Queue
	var toleranceSeconds int
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&q.ID,
		&q.TenantID,
		&q.Name,
		&q.Type,
		&q.Capacity,
		&q.AvgServiceSeconds,
		&toleranceSeconds,
		&q.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, ErrNotFound
	}
	if err != nil {
		return models.Queue{}, fmt.Errorf("failed to fetch queue: %w", err)
	}
	q.Tolerance = time.Duration(toleranceSeconds) * time.Second
	return q, nil
}

// SweepAbandoned marks WAITING tickets older than their queue's tolerance
// window as NO_SHOW. The tickets table trigger emits the corresponding change
// notifications, so swept tickets flow through the same fan-out path as any
// staff action.
func (s *PostgresStore) SweepAbandoned(ctx context.Context) (int64, error) {
	query := `
        UPDATE tickets t
        SET status = $1, updated_at = CURRENT_TIMESTAMP
        FROM queues q
        WHERE t.queue_id = q.id
          AND t.status = $2
          AND t.created_at < CURRENT_TIMESTAMP - make_interval(secs => q.tolerance_seconds)
    `

	tag, err := s.pool.Exec(ctx, query, models.StatusNoShow, models.StatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("abandonment sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotificationRecord is one row of the delivery log.
type NotificationRecord struct {
	ID        string
	JobID     string
	TicketID  string
	Channel   string
	Recipient string
	Provider  string
	Status    string // pending, sent, failed
	Attempts  int
	ErrorLog  string
}

func (s *PostgresStore) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	query := `
        INSERT INTO notification_log (id, job_id, ticket_id, channel, recipient, provider, status, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, CURRENT_TIMESTAMP)
        ON CONFLICT (id) DO NOTHING
    `
	_, err := s.pool.Exec(ctx, query, rec.ID, rec.JobID, rec.TicketID, rec.Channel, rec.Recipient, rec.Provider)
	return err
}

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, id, providerMessageID string, attempts int) error {
	query := `
        UPDATE notification_log
        SET status = 'sent', provider_message_id = $2, attempts = $3, updated_at = CURRENT_TIMESTAMP
        WHERE id = $1
    `
	_, err := s.pool.Exec(ctx, query, id, providerMessageID, attempts)
	return err
}

func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id, errLog string, attempts int) error {
	query := `
        UPDATE notification_log
        SET status = 'failed', error_log = $2, attempts = $3, updated_at = CURRENT_TIMESTAMP
        WHERE id = $1
    `
	_, err := s.pool.Exec(ctx, query, id, errLog, attempts)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
