package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// PayPal wraps webhooks in an event envelope with the subject under
// resource. Amounts are decimal strings in major units; the sale (v1) and
// capture (v2) APIs spell the amount fields differently.
type paypalEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalAmount struct {
	// v1 sale shape
	Total    string `json:"total"`
	Currency string `json:"currency"`
	// v2 capture shape
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

func (a paypalAmount) decimal() (decimal.Decimal, string, error) {
	raw, currency := a.Total, a.Currency
	if raw == "" {
		raw, currency = a.Value, a.CurrencyCode
	}
	if raw == "" {
		return decimal.Zero, currency, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, "", err
	}
	return amount, currency, nil
}

type paypalPayment struct {
	ID                 string       `json:"id"`
	Amount             paypalAmount `json:"amount"`
	BillingAgreementID string       `json:"billing_agreement_id"`
	SaleID             string       `json:"sale_id"`
	Payer              struct {
		PayerInfo struct {
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			PayerID   string `json:"payer_id"`
		} `json:"payer_info"`
	} `json:"payer"`
}

type paypalSubscription struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	Subscriber struct {
		EmailAddress string `json:"email_address"`
		PayerID      string `json:"payer_id"`
		Name         struct {
			GivenName string `json:"given_name"`
			Surname   string `json:"surname"`
		} `json:"name"`
		ShippingAddress struct {
			Address struct {
				AddressLine1 string `json:"address_line_1"`
				AddressLine2 string `json:"address_line_2"`
				AdminArea2   string `json:"admin_area_2"`
				AdminArea1   string `json:"admin_area_1"`
				PostalCode   string `json:"postal_code"`
				CountryCode  string `json:"country_code"`
			} `json:"address"`
		} `json:"shipping_address"`
	} `json:"subscriber"`
}

type paypalDispute struct {
	DisputeID            string `json:"dispute_id"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
	} `json:"disputed_transactions"`
	DisputeAmount paypalAmount `json:"dispute_amount"`
}

func normalizePayPal(transactionType string, payload json.RawMessage) (*Event, error) {
	var envelope paypalEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal envelope")
	}

	occurred := time.Now().UTC()
	if envelope.CreateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, envelope.CreateTime); err == nil {
			occurred = parsed.UTC()
		}
	}

	switch transactionType {
	case "PAYMENT.SALE.COMPLETED", "PAYMENT.CAPTURE.COMPLETED":
		payment, err := decodePayPalPayment(envelope.Resource)
		if err != nil {
			return nil, err
		}
		amount, currency, err := payment.Amount.decimal()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse paypal amount")
		}
		firstName := payment.Payer.PayerInfo.FirstName
		if firstName == "" {
			firstName = "Unknown"
		}
		return &Event{
			Kind:           KindPayment,
			Amount:         amount,
			Currency:       currency,
			ChargeID:       payment.ID,
			SubscriptionID: payment.BillingAgreementID,
			Customer: CustomerInfo{
				Email:         payment.Payer.PayerInfo.Email,
				FirstName:     firstName,
				LastName:      payment.Payer.PayerInfo.LastName,
				PayPalPayerID: payment.Payer.PayerInfo.PayerID,
			},
			OccurredAt: occurred,
		}, nil

	case "BILLING.SUBSCRIPTION.ACTIVATED", "BILLING.SUBSCRIPTION.UPDATED":
		var sub paypalSubscription
		if err := json.Unmarshal(envelope.Resource, &sub); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal subscription")
		}
		kind := KindActivation
		if transactionType == "BILLING.SUBSCRIPTION.UPDATED" {
			kind = KindPlanChange
		}
		firstName := sub.Subscriber.Name.GivenName
		if firstName == "" {
			firstName = "Unknown"
		}
		address := sub.Subscriber.ShippingAddress.Address
		return &Event{
			Kind:           kind,
			ChargeID:       envelope.ID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
			Customer: CustomerInfo{
				Email:         sub.Subscriber.EmailAddress,
				FirstName:     firstName,
				LastName:      sub.Subscriber.Name.Surname,
				AddressLine1:  address.AddressLine1,
				AddressLine2:  address.AddressLine2,
				City:          address.AdminArea2,
				State:         address.AdminArea1,
				PostalCode:    address.PostalCode,
				Country:       address.CountryCode,
				PayPalPayerID: sub.Subscriber.PayerID,
			},
			OccurredAt: occurred,
		}, nil

	case "BILLING.SUBSCRIPTION.CANCELLED":
		var sub paypalSubscription
		if err := json.Unmarshal(envelope.Resource, &sub); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal subscription")
		}
		return &Event{
			Kind:           KindCancellation,
			ChargeID:       envelope.ID,
			SubscriptionID: sub.ID,
			Customer:       CustomerInfo{Email: sub.Subscriber.EmailAddress, FirstName: "Unknown"},
			OccurredAt:     occurred,
		}, nil

	case "PAYMENT.SALE.REFUNDED", "PAYMENT.CAPTURE.REFUNDED":
		payment, err := decodePayPalPayment(envelope.Resource)
		if err != nil {
			return nil, err
		}
		amount, currency, err := payment.Amount.decimal()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse paypal amount")
		}
		// the refund resource points at the original charge
		chargeID := payment.SaleID
		if chargeID == "" {
			chargeID = payment.ID
		}
		return &Event{
			Kind:       KindRefund,
			Amount:     amount,
			Currency:   currency,
			ChargeID:   chargeID,
			Customer:   CustomerInfo{FirstName: "Unknown"},
			OccurredAt: occurred,
		}, nil

	case "CUSTOMER.DISPUTE.CREATED":
		var dispute paypalDispute
		if err := json.Unmarshal(envelope.Resource, &dispute); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal dispute")
		}
		disputedCharge := ""
		if len(dispute.DisputedTransactions) > 0 {
			disputedCharge = dispute.DisputedTransactions[0].SellerTransactionID
		}
		amount, currency, err := dispute.DisputeAmount.decimal()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse paypal dispute amount")
		}
		return &Event{
			Kind:             KindChargeback,
			Amount:           amount,
			Currency:         currency,
			ChargeID:         dispute.DisputeID,
			DisputedChargeID: disputedCharge,
			Customer:         CustomerInfo{FirstName: "Unknown"},
			OccurredAt:       occurred,
		}, nil

	default:
		return nil, unhandled(transactionType)
	}
}

func decodePayPalPayment(resource json.RawMessage) (*paypalPayment, error) {
	var payment paypalPayment
	if err := json.Unmarshal(resource, &payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal payment")
	}
	return &payment, nil
}
