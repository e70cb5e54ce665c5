package webhooks

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

func paypalRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal", bytes.NewReader(body))
	req.Header.Set("Paypal-Transmission-Sig", "sig")
	req.Header.Set("Paypal-Transmission-Id", "tx-1")
	return req
}

func TestPayPalWebhookEnqueuesJob(t *testing.T) {
	productID := uuid.New()
	body := []byte(`{
		"id": "WH-1",
		"event_type": "PAYMENT.SALE.COMPLETED",
		"resource": {
			"id": "PAY-1",
			"custom": "{\"product_id\":\"` + productID.String() + `\",\"track_id\":\"trk_9\"}"
		}
	}`)
	ing := &fakeIngestor{}
	handler := PayPalWebhook(ing, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paypalRequest(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(ing.inputs) != 1 {
		t.Fatalf("expected 1 ingested job, got %d", len(ing.inputs))
	}
	in := ing.inputs[0]
	if in.Processor != enums.ProcessorPayPal || in.TransactionType != "PAYMENT.SALE.COMPLETED" {
		t.Fatalf("unexpected classification %+v", in)
	}
	if in.Meta.ProductID != productID || in.Meta.TrackID != "trk_9" {
		t.Fatalf("custom field not extracted: %+v", in.Meta)
	}
}

func TestPayPalWebhookLegacyCustomField(t *testing.T) {
	body := []byte(`{"event_type":"PAYMENT.SALE.COMPLETED","resource":{"custom":"trk_legacy"}}`)
	ing := &fakeIngestor{}
	handler := PayPalWebhook(ing, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paypalRequest(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ing.inputs[0].Meta.TrackID != "trk_legacy" {
		t.Fatalf("bare custom value should become the track id, got %+v", ing.inputs[0].Meta)
	}
}

func TestPayPalWebhookMissingHeaders(t *testing.T) {
	ing := &fakeIngestor{}
	handler := PayPalWebhook(ing, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal", bytes.NewReader([]byte(`{"event_type":"PAYMENT.SALE.COMPLETED"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without transmission headers, got %d", rec.Code)
	}
	if len(ing.inputs) != 0 {
		t.Fatal("nothing may be ingested without transmission headers")
	}
}
