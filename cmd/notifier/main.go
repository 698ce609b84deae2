package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filaup/filaup/internal/broker"
	"github.com/filaup/filaup/internal/config"
	"github.com/filaup/filaup/internal/models"
	"github.com/filaup/filaup/internal/notify"
	"github.com/filaup/filaup/internal/provider"
	"github.com/filaup/filaup/internal/store"
	"github.com/filaup/filaup/pkg/infra"
	_ "github.com/filaup/filaup/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	logger.Info("🔥 Notifier initializing...", "workers", cfg.NotifyWorkers)

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := buildRegistry(cfg, logger)
	strategy := notify.NewStrategy(cfg.NotifyMaxAttempts, cfg.NotifyBaseDelay, cfg.NotifyMultiplier)
	worker := notify.NewWorker(st, registry, provider.NewTemplates(), strategy, cfg.ProviderTimeout, logger)

	go startObservabilityServer("9091", logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown signal received before connection")
			return
		default:
			consumer, err := broker.NewConsumer(cfg.RabbitMQURL, cfg.NotifyWorkers, worker, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("RabbitMQ connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			logger.Info("✅ Connected to Broker. Delivering notifications...")

			if err := consumer.Listen(ctx); err != nil {
				logger.Error("⚠️ Consumer connection lost", "error", err)
			}

			consumer.Close()
		}
	}
}

// buildRegistry wires whichever providers the environment has credentials
// for. Unconfigured providers still register so channel fallback can report
// them as unavailable instead of unknown.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	sms := provider.NewSMSProvider(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSFrom, cfg.DefaultCountryCode)
	registry.Register(models.ChannelSMS, sms)

	cloud := provider.NewWhatsAppCloudProvider(cfg.WACloudToken, cfg.WACloudPhoneID, cfg.DefaultCountryCode)
	registry.Register(models.ChannelWhatsApp, cloud)

	gateway := provider.NewWhatsAppGatewayProvider(cfg.WAGatewayURL, cfg.WAGatewayToken, cfg.DefaultCountryCode)
	registry.Register(models.ChannelWhatsApp, gateway)

	for _, p := range []provider.Provider{sms, cloud, gateway} {
		logger.Info("Provider registered", "provider", p.Name(), "configured", p.IsConfigured())
	}
	return registry
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("NOTIFIER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
