package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sellforgehq/sellforge-backend/api/controllers"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	return f.err
}

func testDeps(pingers map[string]controllers.Pinger) Dependencies {
	return Dependencies{
		Config:  &config.Config{App: config.AppConfig{Env: "test"}},
		Logger:  logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard}),
		Pingers: pingers,
	}
}

func TestRouterHealthLive(t *testing.T) {
	router := NewRouter(testDeps(nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-SellForge-Env") != "test" {
		t.Fatal("environment header missing")
	}
}

func TestRouterHealthReadyDegraded(t *testing.T) {
	router := NewRouter(testDeps(map[string]controllers.Pinger{
		"db":    &fakePinger{},
		"redis": &fakePinger{err: errors.New("connection refused")},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a dependency is down, got %d", rec.Code)
	}
}

func TestRouterHealthReadyOK(t *testing.T) {
	router := NewRouter(testDeps(map[string]controllers.Pinger{
		"db": &fakePinger{},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouterWebhookRoutesWired(t *testing.T) {
	router := NewRouter(testDeps(nil))

	// unsigned requests must be rejected by the controller (400), not the
	// router (404): that proves the route exists
	for _, path := range []string{
		"/api/v1/webhooks/stripe",
		"/api/v1/webhooks/paypal",
		"/api/v1/webhooks/paddle",
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 for unsigned request, got %d", path, rec.Code)
		}
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := NewRouter(testDeps(nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
