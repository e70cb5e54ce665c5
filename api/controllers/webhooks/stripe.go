package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/sellforgehq/sellforge-backend/api/responses"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type ingestor interface {
	Ingest(ctx context.Context, in ipn.IngestInput) error
}

type stripeClient interface {
	SigningSecret() string
}

// stripeMetaCarrier is the slice of a Stripe payload that carries our
// checkout metadata. Charges and subscriptions put it on the object itself,
// invoices nest it under subscription_details.
type stripeMetaCarrier struct {
	Data struct {
		Object struct {
			Metadata            map[string]string `json:"metadata"`
			SubscriptionDetails struct {
				Metadata map[string]string `json:"metadata"`
			} `json:"subscription_details"`
		} `json:"object"`
	} `json:"data"`
}

// StripeWebhook verifies the signature, logs the raw payload and enqueues the
// reconciliation job. All processing happens in the worker.
func StripeWebhook(ing ingestor, client stripeClient, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if ing == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingest service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		// only the signature matters here, the raw payload passes through
		// to the queue regardless of the SDK's pinned api version
		event, err := webhook.ConstructEventWithOptions(payload, sigHeader, client.SigningSecret(), webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature"))
			return
		}

		err = ing.Ingest(ctx, ipn.IngestInput{
			Processor:       enums.ProcessorStripe,
			TransactionType: string(event.Type),
			Payload:         payload,
			Meta:            stripeMeta(payload),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}

func stripeMeta(payload []byte) normalize.Meta {
	var carrier stripeMetaCarrier
	if err := json.Unmarshal(payload, &carrier); err != nil {
		return normalize.Meta{}
	}
	fields := carrier.Data.Object.Metadata
	if len(fields) == 0 {
		fields = carrier.Data.Object.SubscriptionDetails.Metadata
	}
	return metaFromFields(fields)
}

// metaFromFields maps the checkout's custom key/value pairs into side-channel
// metadata. Unparsable ids degrade to Nil, the pipeline resolves those
// through the existing order.
func metaFromFields(fields map[string]string) normalize.Meta {
	var meta normalize.Meta
	if id, err := uuid.Parse(fields["product_id"]); err == nil {
		meta.ProductID = id
	}
	if id, err := uuid.Parse(fields["pricing_id"]); err == nil {
		meta.PricingID = id
	}
	meta.TrackID = fields["track_id"]
	meta.CouponCode = fields["coupon_code"]
	return meta
}
