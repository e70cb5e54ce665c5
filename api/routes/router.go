package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sellforgehq/sellforge-backend/api/controllers"
	webhookcontrollers "github.com/sellforgehq/sellforge-backend/api/controllers/webhooks"
	"github.com/sellforgehq/sellforge-backend/api/middleware"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/stripe"
)

// Dependencies carries everything the ingestion router serves. Pingers are
// the hard dependencies the readiness probe checks; nil entries are skipped
// so tests can wire only what they exercise.
type Dependencies struct {
	Config       *config.Config
	Logger       *logger.Logger
	Ingestor     *ipn.Ingestor
	StripeClient *stripe.Client
	Pingers      map[string]controllers.Pinger
}

// NewRouter builds the webhook ingestion HTTP surface: one POST endpoint per
// payment processor plus liveness/readiness probes. There is no authenticated
// user surface; providers authenticate through their signature schemes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(deps.Logger),
		middleware.RequestID(deps.Logger),
		middleware.Logging(deps.Logger),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(deps.Config))
		r.Get("/ready", controllers.HealthReady(deps.Config, deps.Logger, deps.Pingers))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.Ingestor, deps.StripeClient, deps.Logger))
		r.Post("/paypal", webhookcontrollers.PayPalWebhook(deps.Ingestor, deps.Logger))
		r.Post("/paddle", webhookcontrollers.PaddleWebhook(deps.Ingestor, deps.Logger))
	})

	return r
}
