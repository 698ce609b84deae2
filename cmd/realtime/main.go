package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/filaup/filaup/internal/broker"
	"github.com/filaup/filaup/internal/bus"
	"github.com/filaup/filaup/internal/config"
	"github.com/filaup/filaup/internal/httpapi"
	"github.com/filaup/filaup/internal/hub"
	"github.com/filaup/filaup/internal/listener"
	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/internal/notify"
	"github.com/filaup/filaup/internal/queue"
	"github.com/filaup/filaup/internal/store"
	"github.com/filaup/filaup/pkg/infra"
	"github.com/filaup/filaup/pkg/metrics"

	"github.com/labstack/echo/v4"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	link := newBrokerLink(cfg.RabbitMQURL, logger)
	go link.run(ctx)

	eventBus := bus.New(cfg.StreamBufferSize, logger)
	streamHub := hub.New(cfg.StreamBufferSize, logger)
	dispatcher := notify.NewDispatcher(link, st, cfg.DefaultChannel, logger)

	eventBus.Subscribe("fanout", streamHub.Route)
	eventBus.Subscribe("dispatcher", dispatcher.HandleChange)

	lst := listener.New(st.Pool(), eventBus, logger)
	go func() {
		if err := lst.Run(ctx); err != nil {
			slog.Error("Change listener failed fatally, shutting down", "error", err)
			stop()
		}
	}()

	go runJanitor(ctx, st, cfg.SweepInterval)

	calc := queue.NewCalculator(st, cfg.ETAWindow)
	srv := httpapi.NewServer(streamHub, calc, st, cfg.HeartbeatInterval, cfg.StreamIdleTimeout, logger)
	srv.AddHealthCheck("listener", lst.Healthy)
	srv.AddHealthCheck("broker", link.IsHealthy)

	e := echo.New()
	e.HideBanner = true
	srv.Register(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	slog.Info("🚀 Realtime service started", "pid", os.Getpid(), "port", cfg.HTTPPort)

	<-ctx.Done()
	slog.Info("👋 Shutting down realtime service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	eventBus.Close()
	link.Close()
	slog.Info("✅ Shutdown complete")
}

// runJanitor flips tickets past their tolerance window to NO_SHOW so queues
// do not accumulate ghosts of clients that never showed up.
func runJanitor(ctx context.Context, st *store.PostgresStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("🧹 Janitor: Sweeping abandoned tickets")
			swept, err := st.SweepAbandoned(ctx)
			if err != nil {
				slog.Error("Janitor: Sweep failure", "error", err)
				continue
			}
			if swept > 0 {
				metrics.TicketsSwept.Add(float64(swept))
				slog.Warn("Janitor: Marked abandoned tickets as no-show", "count", swept)
			}

		case <-ctx.Done():
			slog.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}

// brokerLink keeps a live RabbitMQ client behind the dispatcher. The run loop
// redials with backoff whenever the connection drops, so the fan-out side
// keeps serving streams even while the broker is away.
type brokerLink struct {
	url    string
	logger *slog.Logger

	mu     sync.RWMutex
	client *broker.Client
}

func newBrokerLink(url string, logger *slog.Logger) *brokerLink {
	return &brokerLink{url: url, logger: logger}
}

func (l *brokerLink) run(ctx context.Context) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		if ctx.Err() != nil {
			return
		}

		if !l.IsHealthy() {
			l.Close()

			client, err := broker.NewClient(l.url, l.logger)
			if err != nil {
				wait := backoff.Next()
				l.logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return
				}
			}

			l.logger.Info("RabbitMQ link established 🚀")
			l.mu.Lock()
			l.client = client
			l.mu.Unlock()
			backoff.Reset()
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (l *brokerLink) PublishJob(ctx context.Context, job models.NotificationJob) error {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()

	if client == nil || !client.IsHealthy() {
		return errors.New("broker link is down")
	}
	return client.PublishJob(ctx, job)
}

func (l *brokerLink) IsHealthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client != nil && l.client.IsHealthy()
}

func (l *brokerLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}
