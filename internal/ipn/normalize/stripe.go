package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// Stripe wraps every webhook in an event envelope; the object of interest
// sits under data.object. Amounts arrive in minor units (cents).
type stripeEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type stripeBillingDetails struct {
	Name    string        `json:"name"`
	Email   string        `json:"email"`
	Address stripeAddress `json:"address"`
}

type stripeCharge struct {
	ID             string               `json:"id"`
	Amount         int64                `json:"amount"`
	AmountRefunded int64                `json:"amount_refunded"`
	Currency       string               `json:"currency"`
	Customer       string               `json:"customer"`
	Refunded       bool                 `json:"refunded"`
	Created        int64                `json:"created"`
	BillingDetails stripeBillingDetails `json:"billing_details"`
	Invoice        string               `json:"invoice"`
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
	Plan     struct {
		ID string `json:"id"`
	} `json:"plan"`
	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Charge       string `json:"charge"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	Created      int64  `json:"created"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	Customer      string `json:"customer"`
}

type stripeDispute struct {
	ID       string `json:"id"`
	Charge   string `json:"charge"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Created  int64  `json:"created"`
}

// stripeMinor converts minor units to decimal major units.
func stripeMinor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func normalizeStripe(transactionType string, payload json.RawMessage) (*Event, error) {
	var envelope stripeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe envelope")
	}
	object := envelope.Data.Object
	occurred := time.Unix(envelope.Created, 0).UTC()
	sandbox := !envelope.Livemode

	switch transactionType {
	case "charge.succeeded", "payment_intent.succeeded":
		var charge stripeCharge
		if err := json.Unmarshal(object, &charge); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe charge")
		}
		first, last := SplitName(charge.BillingDetails.Name)
		return &Event{
			Kind:     KindPayment,
			Amount:   stripeMinor(charge.Amount),
			Currency: charge.Currency,
			ChargeID: charge.ID,
			Customer: CustomerInfo{
				Email:            charge.BillingDetails.Email,
				FirstName:        first,
				LastName:         last,
				AddressLine1:     charge.BillingDetails.Address.Line1,
				AddressLine2:     charge.BillingDetails.Address.Line2,
				City:             charge.BillingDetails.Address.City,
				State:            charge.BillingDetails.Address.State,
				PostalCode:       charge.BillingDetails.Address.PostalCode,
				Country:          charge.BillingDetails.Address.Country,
				StripeCustomerID: charge.Customer,
			},
			OccurredAt: occurred,
			Sandbox:    sandbox,
		}, nil

	case "invoice.paid":
		var invoice stripeInvoice
		if err := json.Unmarshal(object, &invoice); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe invoice")
		}
		first, last := SplitName(invoice.CustomerName)
		chargeID := invoice.Charge
		if chargeID == "" {
			chargeID = invoice.ID
		}
		return &Event{
			Kind:           KindPayment,
			Amount:         stripeMinor(invoice.AmountPaid),
			Currency:       invoice.Currency,
			ChargeID:       chargeID,
			SubscriptionID: invoice.Subscription,
			Customer: CustomerInfo{
				Email:            invoice.CustomerEmail,
				FirstName:        first,
				LastName:         last,
				StripeCustomerID: invoice.Customer,
			},
			OccurredAt: occurred,
			Sandbox:    sandbox,
		}, nil

	case "customer.subscription.created":
		sub, err := decodeStripeSubscription(object)
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:           KindActivation,
			ChargeID:       envelope.ID,
			SubscriptionID: sub.ID,
			PlanID:         stripePlanID(sub),
			Customer:       CustomerInfo{StripeCustomerID: sub.Customer, FirstName: "Unknown"},
			OccurredAt:     occurred,
			Sandbox:        sandbox,
		}, nil

	case "customer.subscription.updated":
		sub, err := decodeStripeSubscription(object)
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:           KindPlanChange,
			ChargeID:       envelope.ID,
			SubscriptionID: sub.ID,
			PlanID:         stripePlanID(sub),
			Customer:       CustomerInfo{StripeCustomerID: sub.Customer, FirstName: "Unknown"},
			OccurredAt:     occurred,
			Sandbox:        sandbox,
		}, nil

	case "customer.subscription.deleted":
		sub, err := decodeStripeSubscription(object)
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:           KindCancellation,
			ChargeID:       envelope.ID,
			SubscriptionID: sub.ID,
			Customer:       CustomerInfo{StripeCustomerID: sub.Customer, FirstName: "Unknown"},
			OccurredAt:     occurred,
			Sandbox:        sandbox,
		}, nil

	case "charge.refunded":
		var charge stripeCharge
		if err := json.Unmarshal(object, &charge); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe refund")
		}
		kind := KindPartialRefund
		if charge.Refunded || charge.AmountRefunded >= charge.Amount {
			kind = KindRefund
		}
		return &Event{
			Kind:       kind,
			Amount:     stripeMinor(charge.AmountRefunded),
			Currency:   charge.Currency,
			ChargeID:   charge.ID,
			Customer:   CustomerInfo{Email: charge.BillingDetails.Email, StripeCustomerID: charge.Customer, FirstName: "Unknown"},
			OccurredAt: occurred,
			Sandbox:    sandbox,
		}, nil

	case "charge.dispute.created":
		var dispute stripeDispute
		if err := json.Unmarshal(object, &dispute); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe dispute")
		}
		return &Event{
			Kind:             KindChargeback,
			Amount:           stripeMinor(dispute.Amount),
			Currency:         dispute.Currency,
			ChargeID:         dispute.ID,
			DisputedChargeID: dispute.Charge,
			Customer:         CustomerInfo{FirstName: "Unknown"},
			OccurredAt:       occurred,
			Sandbox:          sandbox,
		}, nil

	default:
		return nil, unhandled(transactionType)
	}
}

func decodeStripeSubscription(object json.RawMessage) (*stripeSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe subscription")
	}
	return &sub, nil
}

func stripePlanID(sub *stripeSubscription) string {
	if sub.Plan.ID != "" {
		return sub.Plan.ID
	}
	if len(sub.Items.Data) > 0 {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}
