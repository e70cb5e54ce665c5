package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

func paddleForm(pricingID uuid.UUID) url.Values {
	return url.Values{
		"alert_name":    {"payment_succeeded"},
		"order_id":      {"123456"},
		"email":         {"buyer@example.com"},
		"customer_name": {"Ada Lovelace"},
		"sale_gross":    {"49.00"},
		"currency":      {"USD"},
		"passthrough":   {`{"pricing_id":"` + pricingID.String() + `","sandbox":"1"}`},
		"p_signature":   {"base64sig"},
	}
}

func postPaddleForm(handler http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paddle", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPaddleWebhookEnqueuesJob(t *testing.T) {
	pricingID := uuid.New()
	ing := &fakeIngestor{}
	rec := postPaddleForm(PaddleWebhook(ing, nil), paddleForm(pricingID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(ing.inputs) != 1 {
		t.Fatalf("expected 1 ingested job, got %d", len(ing.inputs))
	}
	in := ing.inputs[0]
	if in.Processor != enums.ProcessorPaddle || in.TransactionType != "payment_succeeded" {
		t.Fatalf("unexpected classification %+v", in)
	}
	if in.Meta.PricingID != pricingID || !in.Meta.Sandbox {
		t.Fatalf("passthrough not extracted: %+v", in.Meta)
	}

	var alert map[string]string
	if err := json.Unmarshal(in.Payload, &alert); err != nil {
		t.Fatalf("payload should be a flat json alert: %v", err)
	}
	if alert["sale_gross"] != "49.00" || alert["alert_name"] != "payment_succeeded" {
		t.Fatalf("form fields lost in re-encoding: %v", alert)
	}
	if _, ok := alert["p_signature"]; ok {
		t.Fatal("the signature must not enter the raw log")
	}
}

func TestPaddleWebhookMissingSignature(t *testing.T) {
	pricingID := uuid.New()
	form := paddleForm(pricingID)
	form.Del("p_signature")
	ing := &fakeIngestor{}
	rec := postPaddleForm(PaddleWebhook(ing, nil), form)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature, got %d", rec.Code)
	}
	if len(ing.inputs) != 0 {
		t.Fatal("nothing may be ingested without a signature")
	}
}

func TestPaddleWebhookMissingAlertName(t *testing.T) {
	form := paddleForm(uuid.New())
	form.Del("alert_name")
	ing := &fakeIngestor{}
	rec := postPaddleForm(PaddleWebhook(ing, nil), form)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without alert name, got %d", rec.Code)
	}
}
