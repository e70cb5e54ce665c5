package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

// Service runs the worker's consumer loops plus a small HTTP surface for
// liveness and Prometheus scrapes. The IPN consumer is mandatory; the abuse
// consumer runs only when its lane is configured.
type Service struct {
	cfg           *config.Config
	logg          *logger.Logger
	ipnConsumer   *ipn.Consumer
	abuseConsumer *notifications.AbuseConsumer
	registry      *prometheus.Registry
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	IPNConsumer   *ipn.Consumer
	AbuseConsumer *notifications.AbuseConsumer
	Registry      *prometheus.Registry
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.IPNConsumer == nil {
		return nil, errors.New("ipn consumer is required")
	}
	return &Service{
		cfg:           params.Config,
		logg:          params.Logger,
		ipnConsumer:   params.IPNConsumer,
		abuseConsumer: params.AbuseConsumer,
		registry:      params.Registry,
	}, nil
}

// Run blocks until the context is canceled or a consumer loop fails.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		errCh <- s.ipnConsumer.Run(ctx)
	}()
	if s.abuseConsumer != nil {
		go func() {
			errCh <- s.abuseConsumer.Run(ctx)
		}()
	} else {
		s.logg.Warn(ctx, "abuse lane not configured, incidents will stay queued")
	}

	server := s.metricsServer()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logg.Error(shutdownCtx, "metrics server shutdown failed", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (s *Service) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"live"}`))
	})
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return &http.Server{
		Addr:    ":" + s.cfg.App.Port,
		Handler: mux,
	}
}
