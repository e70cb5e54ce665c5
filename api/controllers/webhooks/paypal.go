package webhooks

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sellforgehq/sellforge-backend/api/responses"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

// paypalMetaCarrier pulls the event tag plus the checkout's custom field out
// of a PayPal webhook. The custom field carries our metadata as a JSON blob;
// sale (v1) and order (v2) resources spell the key differently.
type paypalMetaCarrier struct {
	EventType string `json:"event_type"`
	Resource  struct {
		Custom   string `json:"custom"`
		CustomID string `json:"custom_id"`
	} `json:"resource"`
}

// PayPalWebhook ingests PayPal webhooks. Signature verification happens at
// the edge proxy; the endpoint still requires the transmission headers so a
// direct unsigned POST never reaches the queue.
func PayPalWebhook(ing ingestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if ing == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingest service unavailable"))
			return
		}
		if r.Header.Get("Paypal-Transmission-Sig") == "" || r.Header.Get("Paypal-Transmission-Id") == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "paypal transmission headers missing"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		var carrier paypalMetaCarrier
		if err := json.Unmarshal(payload, &carrier); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal event"))
			return
		}
		if carrier.EventType == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "paypal event type missing"))
			return
		}

		err = ing.Ingest(ctx, ipn.IngestInput{
			Processor:       enums.ProcessorPayPal,
			TransactionType: carrier.EventType,
			Payload:         payload,
			Meta:            paypalMeta(carrier),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}

func paypalMeta(carrier paypalMetaCarrier) normalize.Meta {
	custom := carrier.Resource.Custom
	if custom == "" {
		custom = carrier.Resource.CustomID
	}
	if custom == "" {
		return normalize.Meta{}
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(custom), &fields); err != nil {
		// legacy checkouts put the bare tracking id in the custom field
		return normalize.Meta{TrackID: custom}
	}
	return metaFromFields(fields)
}
