package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// Paddle classic webhooks are flat alerts: no envelope, string-typed amounts
// in major units, a single free-text customer name.
type paddleAlert struct {
	AlertName          string `json:"alert_name"`
	OrderID            string `json:"order_id"`
	CheckoutID         string `json:"checkout_id"`
	Email              string `json:"email"`
	CustomerName       string `json:"customer_name"`
	SaleGross          string `json:"sale_gross"`
	GrossRefund        string `json:"gross_refund"`
	RefundType         string `json:"refund_type"`
	Currency           string `json:"currency"`
	EventTime          string `json:"event_time"`
	SubscriptionID     string `json:"subscription_id"`
	SubscriptionPlanID string `json:"subscription_plan_id"`
	Country            string `json:"country"`
}

const paddleTimeLayout = "2006-01-02 15:04:05"

func normalizePaddle(transactionType string, payload json.RawMessage) (*Event, error) {
	var alert paddleAlert
	if err := json.Unmarshal(payload, &alert); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paddle alert")
	}

	occurred := time.Now().UTC()
	if alert.EventTime != "" {
		if parsed, err := time.Parse(paddleTimeLayout, alert.EventTime); err == nil {
			occurred = parsed.UTC()
		}
	}
	first, last := SplitName(alert.CustomerName)
	customer := CustomerInfo{
		Email:     alert.Email,
		FirstName: first,
		LastName:  last,
		Country:   alert.Country,
	}
	chargeID := alert.OrderID
	if chargeID == "" {
		chargeID = alert.CheckoutID
	}

	switch transactionType {
	case "payment_succeeded", "subscription_payment_succeeded":
		amount, err := paddleAmount(alert.SaleGross)
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:           KindPayment,
			Amount:         amount,
			Currency:       alert.Currency,
			ChargeID:       chargeID,
			SubscriptionID: alert.SubscriptionID,
			Customer:       customer,
			OccurredAt:     occurred,
		}, nil

	case "subscription_created":
		return &Event{
			Kind:           KindActivation,
			ChargeID:       chargeID,
			SubscriptionID: alert.SubscriptionID,
			PlanID:         alert.SubscriptionPlanID,
			Customer:       customer,
			OccurredAt:     occurred,
		}, nil

	case "subscription_updated":
		return &Event{
			Kind:           KindPlanChange,
			ChargeID:       chargeID,
			SubscriptionID: alert.SubscriptionID,
			PlanID:         alert.SubscriptionPlanID,
			Customer:       customer,
			OccurredAt:     occurred,
		}, nil

	case "subscription_cancelled":
		return &Event{
			Kind:           KindCancellation,
			ChargeID:       chargeID,
			SubscriptionID: alert.SubscriptionID,
			Customer:       customer,
			OccurredAt:     occurred,
		}, nil

	case "payment_refunded", "subscription_payment_refunded":
		amount, err := paddleAmount(alert.GrossRefund)
		if err != nil {
			return nil, err
		}
		kind := KindRefund
		if alert.RefundType == "partial" {
			kind = KindPartialRefund
		}
		return &Event{
			Kind:       kind,
			Amount:     amount,
			Currency:   alert.Currency,
			ChargeID:   chargeID,
			Customer:   customer,
			OccurredAt: occurred,
		}, nil

	default:
		return nil, unhandled(transactionType)
	}
}

func paddleAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse paddle amount")
	}
	return amount, nil
}
