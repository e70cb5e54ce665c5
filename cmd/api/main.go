package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/sellforgehq/sellforge-backend/api/controllers"
	"github.com/sellforgehq/sellforge-backend/api/routes"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/db"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/migrate"
	"github.com/sellforgehq/sellforge-backend/pkg/pubsub"
	"github.com/sellforgehq/sellforge-backend/pkg/stripe"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "api"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "failed to close database client", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "dev auto-migrate failed", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	requireResource(ctx, logg, "stripe client", err)

	ingestor, err := ipn.NewIngestor(ipn.NewRawLogRepository(dbClient.DB()), pubsubClient.IPNPublisher(), logg)
	requireResource(ctx, logg, "ipn ingestor", err)

	router := routes.NewRouter(routes.Dependencies{
		Config:       cfg,
		Logger:       logg,
		Ingestor:     ingestor,
		StripeClient: stripeClient,
		Pingers: map[string]controllers.Pinger{
			"database": dbClient,
			"pubsub":   pubsubClient,
		},
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env": cfg.App.Env,
	})

	errCh := make(chan error, 1)
	go func() {
		logg.Info(runCtx, fmt.Sprintf("api listening on :%s", cfg.App.Port))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(runCtx, "api server failed", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "api shutdown failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api stopped")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
