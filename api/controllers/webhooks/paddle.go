package webhooks

import (
	"encoding/json"
	"net/http"

	"github.com/sellforgehq/sellforge-backend/api/responses"
	"github.com/sellforgehq/sellforge-backend/internal/ipn"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

// PaddleWebhook ingests Paddle classic alerts. Paddle POSTs form-encoded
// fields with an RSA p_signature; verification happens upstream, the endpoint
// requires the field's presence. The flat form is re-encoded as a JSON object
// so the raw log and the normalizer share one payload shape.
func PaddleWebhook(ing ingestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if ing == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingest service unavailable"))
			return
		}

		if err := r.ParseForm(); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse paddle form"))
			return
		}
		if r.PostForm.Get("p_signature") == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "paddle signature missing"))
			return
		}
		alertName := r.PostForm.Get("alert_name")
		if alertName == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "paddle alert name missing"))
			return
		}

		fields := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			if key == "p_signature" {
				continue
			}
			fields[key] = r.PostForm.Get(key)
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode paddle alert"))
			return
		}

		err = ing.Ingest(ctx, ipn.IngestInput{
			Processor:       enums.ProcessorPaddle,
			TransactionType: alertName,
			Payload:         payload,
			Meta:            paddleMeta(fields["passthrough"]),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}

// paddleMeta decodes the checkout passthrough blob. Paddle relays it verbatim
// on every alert for the subscription.
func paddleMeta(passthrough string) normalize.Meta {
	if passthrough == "" {
		return normalize.Meta{}
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(passthrough), &fields); err != nil {
		return normalize.Meta{}
	}
	meta := metaFromFields(fields)
	if fields["sandbox"] == "1" || fields["sandbox"] == "true" {
		meta.Sandbox = true
	}
	return meta
}
