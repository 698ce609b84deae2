// Package httpapi exposes the live-stream endpoints. Each open stream is an
// SSE connection backed by one hub subscriber; the handler goroutine races
// routed events against the heartbeat tick and the idle timeout.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/filaup/filaup/internal/hub"
	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/internal/queue"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TicketSource resolves tickets for the per-ticket stream bootstrap.
type TicketSource interface {
	TicketByID(ctx context.Context, id string) (models.Ticket, error)
}

// Server wires the stream routes onto an echo instance.
type Server struct {
	hub         *hub.Hub
	calc        *queue.Calculator
	tickets     TicketSource
	heartbeat   time.Duration
	idleLimit   time.Duration
	logger      *slog.Logger
	healthcheck map[string]func() bool
}

func NewServer(h *hub.Hub, calc *queue.Calculator, tickets TicketSource, heartbeat, idleLimit time.Duration, logger *slog.Logger) *Server {
	return &Server{
		hub:         h,
		calc:        calc,
		tickets:     tickets,
		heartbeat:   heartbeat,
		idleLimit:   idleLimit,
		logger:      logger,
		healthcheck: make(map[string]func() bool),
	}
}

// AddHealthCheck registers a named readiness probe, e.g. the change listener
// or the broker link.
func (s *Server) AddHealthCheck(name string, check func() bool) {
	s.healthcheck[name] = check
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/streams/queues/:queueID", s.handleQueueStream)
	e.GET("/streams/tickets/:ticketID", s.handleTicketStream)
	e.GET("/streams/clients/:clientID", s.handleClientStream)
	e.GET("/streams/calling/:tenantID/:queueType", s.handleCallingStream)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleReadyz reports 503 while any probe fails, so a change-capture outage
// is visible to orchestration without killing the process.
func (s *Server) handleReadyz(c echo.Context) error {
	status := make(map[string]bool, len(s.healthcheck))
	ready := true
	for name, check := range s.healthcheck {
		ok := check()
		status[name] = ok
		ready = ready && ok
	}
	if !ready {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleQueueStream(c echo.Context) error {
	queueID := c.Param("queueID")
	return s.serveStream(c, hub.QueueScope(queueID), map[string]string{"queue_id": queueID})
}

func (s *Server) handleClientStream(c echo.Context) error {
	clientID := c.Param("clientID")
	return s.serveStream(c, hub.ClientScope(clientID), map[string]string{"client_id": clientID})
}

func (s *Server) handleCallingStream(c echo.Context) error {
	tenantID := c.Param("tenantID")
	queueType := c.Param("queueType")
	return s.serveStream(c, hub.CallingScope(tenantID, queueType), map[string]string{
		"tenant_id":  tenantID,
		"queue_type": queueType,
	})
}

// handleTicketStream opens the ticket-scoped stream with a position/ETA
// snapshot, so clients reconnecting after missed events catch up immediately.
func (s *Server) handleTicketStream(c echo.Context) error {
	ticketID := c.Param("ticketID")

	ticket, err := s.tickets.TicketByID(c.Request().Context(), ticketID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
	}
	snapshot, err := s.calc.SnapshotFor(c.Request().Context(), ticket)
	if err != nil {
		s.logger.Error("Failed to compute stream snapshot", "ticket_id", ticketID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "snapshot failed")
	}

	return s.serveStream(c, hub.TicketScope(ticketID), snapshot)
}

func (s *Server) serveStream(c echo.Context, scope hub.Scope, openData any) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	sub := s.hub.Subscribe(scope)
	defer s.hub.Unsubscribe(sub)

	opened, err := envelope(models.EventStreamOpened, openData)
	if err != nil {
		return err
	}
	if err := writeEvent(res, opened); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.idleLimit)
	defer idle.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(res, env); err != nil {
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleLimit)

		case <-heartbeat.C:
			// Heartbeats keep idle periods from looking like a dead
			// connection; they do not reset the idle timeout.
			hb, err := envelope(models.EventHeartbeat, map[string]bool{"degraded": sub.Degraded()})
			if err != nil {
				return nil
			}
			if err := writeEvent(res, hb); err != nil {
				return nil
			}

		case <-idle.C:
			s.logger.Debug("Closing idle stream", "scope", string(scope.Kind), "key", scope.Key)
			return nil
		}
	}
}

func envelope(event string, data any) (models.StreamEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.StreamEnvelope{}, err
	}
	return models.StreamEnvelope{Event: event, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// writeEvent emits one SSE frame and flushes it to the client.
func writeEvent(res *echo.Response, env models.StreamEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", env.Event, body); err != nil {
		return err
	}
	res.Flush()
	return nil
}
