package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/pkg/infra"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeEvent(t *testing.T) {
	payload := []byte(`{
		"entity_id": "t-123",
		"action": "UPDATE",
		"table": "tickets",
		"status": "CALLED",
		"prev_status": "WAITING",
		"queue_id": "q-1",
		"tenant_id": "tn-1",
		"queue_type": "general",
		"token": "C012",
		"client_id": "u-9",
		"called_at": "2026-03-10T09:15:00Z",
		"occurred_at": "2026-03-10T09:15:00Z"
	}`)

	ev, err := parseChangeEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "t-123", ev.EntityID)
	assert.Equal(t, models.ActionUpdate, ev.Action)
	assert.Equal(t, models.StatusCalled, ev.Status)
	assert.Equal(t, models.StatusWaiting, ev.PrevStatus)
	assert.Equal(t, "C012", ev.Token)
	assert.True(t, ev.Called())
}

func TestParseChangeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing entity id", `{"action": "INSERT", "table": "tickets"}`},
		{"unknown action", `{"entity_id": "t-1", "action": "TRUNCATE"}`},
		{"backwards transition", `{"entity_id": "t-1", "action": "UPDATE", "status": "WAITING", "prev_status": "COMPLETED"}`},
		{"skipped transition", `{"entity_id": "t-1", "action": "UPDATE", "status": "COMPLETED", "prev_status": "WAITING"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChangeEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestParseChangeEvent_DefaultsOccurredAt(t *testing.T) {
	ev, err := parseChangeEvent([]byte(`{"entity_id": "t-1", "action": "INSERT", "table": "tickets"}`))
	require.NoError(t, err)
	assert.False(t, ev.OccurredAt.IsZero())
}

type fakeConn struct {
	notifications chan *pgconn.Notification
	errs          chan error
	listened      atomic.Bool
	released      atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		notifications: make(chan *pgconn.Notification),
		errs:          make(chan error),
	}
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.listened.Store(true)
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-c.notifications:
		return n, nil
	case err := <-c.errs:
		return nil, err
	}
}

func (c *fakeConn) Release() {
	c.released.Store(true)
}

// fakeSource hands out connections in order; acquisitions after the first
// block on gate so tests can observe the listener between connections.
type fakeSource struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	gate  chan struct{}
}

func (s *fakeSource) Acquire(ctx context.Context) (ListenConn, error) {
	s.mu.Lock()
	idx := s.next
	s.next++
	s.mu.Unlock()

	if idx > 0 && s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if idx >= len(s.conns) {
		return nil, errors.New("no more connections")
	}
	return s.conns[idx], nil
}

type capturingBus struct {
	events chan models.ChangeEvent
}

func (b *capturingBus) Publish(ev models.ChangeEvent) {
	b.events <- ev
}

func notification(entityID string) *pgconn.Notification {
	return &pgconn.Notification{
		Channel: Channel,
		Payload: fmt.Sprintf(`{"entity_id": %q, "action": "UPDATE", "table": "tickets", "status": "CALLED", "prev_status": "WAITING"}`, entityID),
	}
}

func awaitEvent(t *testing.T, bus *capturingBus) models.ChangeEvent {
	t.Helper()
	select {
	case ev := <-bus.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event republished on the bus")
		return models.ChangeEvent{}
	}
}

func TestListener_ReconnectsAfterConnectionDrop(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	gate := make(chan struct{})
	src := &fakeSource{conns: []*fakeConn{first, second}, gate: gate}
	bus := &capturingBus{events: make(chan models.ChangeEvent, 8)}

	l := newListener(src, bus, slog.Default(), infra.NewBackoff(time.Millisecond, 5*time.Millisecond, 2.0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	first.notifications <- notification("t-1")
	assert.Equal(t, "t-1", awaitEvent(t, bus).EntityID)
	assert.True(t, l.Healthy())

	// Drop the connection. Reacquisition is gated, so the unhealthy window
	// is observable before the listener resubscribes.
	first.errs <- errors.New("connection reset by peer")
	require.Eventually(t, func() bool { return !l.Healthy() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return first.released.Load() }, time.Second, time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return second.listened.Load() }, time.Second, time.Millisecond)

	second.notifications <- notification("t-2")
	assert.Equal(t, "t-2", awaitEvent(t, bus).EntityID)
	assert.True(t, l.Healthy())

	cancel()
	require.NoError(t, <-done)
}

func TestListener_FatalErrorStopsRun(t *testing.T) {
	conn := newFakeConn()
	src := &fakeSource{conns: []*fakeConn{conn}}
	bus := &capturingBus{events: make(chan models.ChangeEvent, 1)}

	l := newListener(src, bus, slog.Default(), infra.NewBackoff(time.Millisecond, 5*time.Millisecond, 2.0))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	conn.errs <- &pgconn.PgError{Code: "28P01"}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.False(t, l.Healthy())
	case <-time.After(time.Second):
		t.Fatal("fatal error did not stop the run loop")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"plain network error", errors.New("connection reset by peer"), false},
		{"wrapped auth failure", fmt.Errorf("listen: %w", &pgconn.PgError{Code: "28P01"}), true},
		{"invalid authorization", &pgconn.PgError{Code: "28000"}, true},
		{"missing database", &pgconn.PgError{Code: "3D000"}, true},
		{"syntax error in subscription", &pgconn.PgError{Code: "42601"}, true},
		{"transient pg error", &pgconn.PgError{Code: "57P01"}, false},
		{"nil-ish generic", errors.New(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatal(tt.err))
		})
	}
}
