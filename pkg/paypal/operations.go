package paypal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Plan is a PayPal billing plan as returned by the billing API.
type Plan struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Subscription is a PayPal subscription in the billing API shape.
type Subscription struct {
	ID         string          `json:"id"`
	PlanID     string          `json:"plan_id"`
	Status     string          `json:"status"`
	Subscriber *SubscriberInfo `json:"subscriber,omitempty"`
}

type SubscriberInfo struct {
	Email   string `json:"email_address"`
	PayerID string `json:"payer_id"`
}

// CreatePlanInput describes a recurring billing plan. Amounts are major
// currency units.
type CreatePlanInput struct {
	ProductID  string
	Name       string
	Currency   string
	Price      decimal.Decimal
	TrialPrice *decimal.Decimal
	TrialDays  int
}

type billingCycle struct {
	Frequency     frequency     `json:"frequency"`
	TenureType    string        `json:"tenure_type"`
	Sequence      int           `json:"sequence"`
	TotalCycles   int           `json:"total_cycles"`
	PricingScheme pricingScheme `json:"pricing_scheme"`
}

type frequency struct {
	IntervalUnit  string `json:"interval_unit"`
	IntervalCount int    `json:"interval_count"`
}

type pricingScheme struct {
	FixedPrice money `json:"fixed_price"`
}

type money struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type createPlanRequest struct {
	ProductID     string         `json:"product_id"`
	Name          string         `json:"name"`
	BillingCycles []billingCycle `json:"billing_cycles"`
	PaymentPreferences struct {
		AutoBillOutstanding bool `json:"auto_bill_outstanding"`
	} `json:"payment_preferences"`
}

// CreatePlan provisions a billing plan, with an optional leading trial
// cycle when TrialDays is positive.
func (c *Client) CreatePlan(ctx context.Context, in CreatePlanInput) (*Plan, error) {
	body := createPlanRequest{ProductID: in.ProductID, Name: in.Name}
	body.PaymentPreferences.AutoBillOutstanding = true

	sequence := 1
	if in.TrialDays > 0 {
		trial := decimal.Zero
		if in.TrialPrice != nil {
			trial = *in.TrialPrice
		}
		body.BillingCycles = append(body.BillingCycles, billingCycle{
			Frequency:   frequency{IntervalUnit: "DAY", IntervalCount: in.TrialDays},
			TenureType:  "TRIAL",
			Sequence:    sequence,
			TotalCycles: 1,
			PricingScheme: pricingScheme{
				FixedPrice: money{Value: trial.StringFixed(2), CurrencyCode: in.Currency},
			},
		})
		sequence++
	}
	body.BillingCycles = append(body.BillingCycles, billingCycle{
		Frequency:   frequency{IntervalUnit: "MONTH", IntervalCount: 1},
		TenureType:  "REGULAR",
		Sequence:    sequence,
		TotalCycles: 0,
		PricingScheme: pricingScheme{
			FixedPrice: money{Value: in.Price.StringFixed(2), CurrencyCode: in.Currency},
		},
	})

	var plan Plan
	if err := c.do(ctx, http.MethodPost, "/v1/billing/plans", body, &plan); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "paypal create plan failed", err)
		}
		return nil, err
	}
	if c.logger != nil {
		c.logger.Info(c.logger.WithField(ctx, "plan_id", plan.ID), "paypal plan created")
	}
	return &plan, nil
}

// DeactivatePlan stops new subscriptions against a plan. Existing
// subscriptions keep billing until cancelled individually.
func (c *Client) DeactivatePlan(ctx context.Context, planID string) error {
	path := fmt.Sprintf("/v1/billing/plans/%s/deactivate", planID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "paypal deactivate plan failed", err)
		}
		return err
	}
	return nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	path := fmt.Sprintf("/v1/billing/subscriptions/%s", subscriptionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

// CancelSubscription cancels a subscription. PayPal sends its own
// cancellation IPN afterwards, which flows through the normal pipeline.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	if reason == "" {
		reason = "cancelled by merchant"
	}
	path := fmt.Sprintf("/v1/billing/subscriptions/%s/cancel", subscriptionID)
	if err := c.do(ctx, http.MethodPost, path, cancelSubscriptionRequest{Reason: reason}, nil); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "paypal cancel subscription failed", err)
		}
		return err
	}
	if c.logger != nil {
		c.logger.Info(c.logger.WithField(ctx, "subscription_id", subscriptionID), "paypal subscription cancelled")
	}
	return nil
}
