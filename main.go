package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"paywall-service/internal/api"
	"paywall-service/internal/config"
	"paywall-service/internal/db"
	"paywall-service/internal/fulfillment"
	"paywall-service/internal/gateway"
	"paywall-service/internal/kafka"
	"paywall-service/internal/logging"
	"paywall-service/internal/metrics"
	"paywall-service/internal/payment"
	"paywall-service/internal/reconcile"
)

func main() {
	// .env is optional; config.yaml and the environment cover everything
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)

	metrics.Setup(cfg.Metrics, logger)

	connStr := cfg.Database.ConnString()
	if err := db.RunMigrations(connStr); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	payments := db.NewPaymentRepository(dbpool)
	articles := db.NewArticleRepository(dbpool)
	ledger := db.NewLedger(dbpool)

	gatewayClient := gateway.NewClient(cfg.Gateway, logger)

	registry := fulfillment.NewRegistry()
	registry.Register(payment.ActionContentCreation, fulfillment.NewContentCreation(articles))

	var publisher payment.Publisher = payment.NopPublisher{}
	if cfg.Kafka.Broker.URL != "" {
		eventWriter := kafka.NewWriter(cfg.Kafka)
		defer eventWriter.Close()
		publisher = kafka.NewPublisher(eventWriter, logger)
	}

	machine := payment.NewMachine(payments, ledger, gatewayClient, registry, publisher, cfg.Payment.Currency, logger)

	scheduler := reconcile.NewScheduler(payments, machine, gatewayClient, reconcile.OptionsFromConfig(cfg.Reconcile), logger)
	scheduler.Start(ctx)

	handler := api.NewHandler(machine, articles, cfg.Payment.ArticlePrice, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
}
