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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sellforgehq/sellforge-backend/internal/analytics"
	"github.com/sellforgehq/sellforge-backend/internal/blacklist"
	"github.com/sellforgehq/sellforge-backend/internal/catalog"
	"github.com/sellforgehq/sellforge-backend/internal/checkouts"
	"github.com/sellforgehq/sellforge-backend/internal/delivery"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/internal/ledger"
	"github.com/sellforgehq/sellforge-backend/internal/memberships"
	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/activecampaign"
	"github.com/sellforgehq/sellforge-backend/pkg/bigquery"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/db"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/metrics"
	"github.com/sellforgehq/sellforge-backend/pkg/paypal"
	"github.com/sellforgehq/sellforge-backend/pkg/pubsub"
	"github.com/sellforgehq/sellforge-backend/pkg/queue/idempotency"
	"github.com/sellforgehq/sellforge-backend/pkg/redis"
	"github.com/sellforgehq/sellforge-backend/pkg/sendinblue"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "ipn-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "ipn-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	bqClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery client", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "failed to close bigquery client", err)
		}
	}()

	gorm := dbClient.DB()
	ledgerRepo := ledger.NewRepository(gorm)
	catalogRepo := catalog.NewRepository(gorm)
	checkoutsRepo := checkouts.NewRepository(gorm)
	membershipsRepo := memberships.NewRepository(gorm)
	blacklistRepo := blacklist.NewRepository(gorm)
	notificationsRepo := notifications.NewRepository(gorm)

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repo:              ledgerRepo,
		TransactionRunner: dbClient,
		Cache:             redisClient,
		Logger:            logg,
	})
	requireResource(ctx, logg, "ledger service", err)

	catalogService, err := catalog.NewService(catalogRepo)
	requireResource(ctx, logg, "catalog service", err)

	membershipService, err := memberships.NewService(membershipsRepo)
	requireResource(ctx, logg, "membership service", err)

	notifierParams := notifications.ServiceParams{Repo: notificationsRepo, Logger: logg}
	if cfg.SendInBlue.APIKey != "" {
		emailClient, err := sendinblue.NewClient(cfg.SendInBlue, logg)
		requireResource(ctx, logg, "sendinblue client", err)
		notifierParams.Sender = emailClient
	} else {
		logg.Warn(ctx, "sendinblue not configured, notification emails disabled")
	}
	notifier, err := notifications.NewService(notifierParams)
	requireResource(ctx, logg, "notifications service", err)

	dispatcherParams := delivery.ServiceParams{
		Blacklist:           blacklistRepo,
		Checkouts:           checkoutsRepo,
		Memberships:         membershipService,
		Catalog:             catalogService,
		Notifier:            notifier,
		Gateways:            redisClient,
		HTTPClient:          &http.Client{Timeout: 15 * time.Second},
		Logger:              logg,
		ProviderBiasTTL:     cfg.IPN.ProviderBiasTTL,
		PostNotificationURL: cfg.IPN.PostNotificationURL,
		RefusalTemplateID:   cfg.IPN.RefusalTemplateID,
		ContactListID:       cfg.ActiveCampaign.BuyerListID,
	}
	if notifierParams.Sender != nil {
		dispatcherParams.Email = notifierParams.Sender
	}
	if cfg.ActiveCampaign.APIKey != "" && cfg.ActiveCampaign.BaseURL != "" {
		contactsClient, err := activecampaign.NewClient(cfg.ActiveCampaign, logg)
		requireResource(ctx, logg, "activecampaign client", err)
		dispatcherParams.Contacts = contactsClient
	} else {
		logg.Warn(ctx, "activecampaign not configured, contact sync disabled")
	}
	if cfg.PayPal.ClientID != "" && cfg.PayPal.ClientSecret != "" {
		paypalClient, err := paypal.NewClient(ctx, cfg.PayPal, logg)
		requireResource(ctx, logg, "paypal client", err)
		dispatcherParams.Billing = paypalClient

		planProvisioner, err := catalog.NewPlanProvisioner(catalogRepo, paypalClient, notifier, logg)
		requireResource(ctx, logg, "plan provisioner", err)
		dispatcherParams.Plans = planProvisioner
	} else {
		logg.Warn(ctx, "paypal api not configured, remote agreement cancel and plan provisioning disabled")
	}
	dispatcher, err := delivery.NewService(dispatcherParams)
	requireResource(ctx, logg, "delivery dispatcher", err)

	abusePublisher, err := notifications.NewAbusePublisher(pubsubClient.AbusePublisher(), logg)
	requireResource(ctx, logg, "abuse publisher", err)

	factSink, err := analytics.NewSink(bqClient, cfg.BigQuery.TransactionFactsTable, logg)
	requireResource(ctx, logg, "transaction fact sink", err)

	registry := prometheus.NewRegistry()
	ipnMetrics := metrics.NewIPNMetrics(registry)

	ipnService, err := ipn.NewService(ipn.ServiceParams{
		Catalog:    catalogService,
		Ledger:     ledgerService,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Abuse:      abusePublisher,
		Analytics:  factSink,
		Metrics:    ipnMetrics,
		Logger:     logg,
		Config:     cfg.IPN,
	})
	requireResource(ctx, logg, "ipn service", err)

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	requireResource(ctx, logg, "idempotency manager", err)

	ipnConsumer, err := ipn.NewConsumer(ipnService, pubsubClient.IPNSubscription(), manager, ipnMetrics, logg)
	requireResource(ctx, logg, "ipn consumer", err)

	var abuseConsumer *notifications.AbuseConsumer
	if cfg.PubSub.AbuseSubscription != "" {
		abuseConsumer, err = notifications.NewAbuseConsumer(blacklistRepo, notifier, pubsubClient.AbuseSubscription(), manager, logg)
		requireResource(ctx, logg, "abuse consumer", err)
	}

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		IPNConsumer:   ipnConsumer,
		AbuseConsumer: abuseConsumer,
		Registry:      registry,
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env": cfg.App.Env,
	})
	logg.Info(runCtx, "ipn worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "ipn worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
