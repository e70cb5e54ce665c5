package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/queue"
)

const abuseConsumerName = "abuse-worker"

type severityRaiser interface {
	RaiseSeverity(ctx context.Context, trackID string, delta int, reason string) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type notifier interface {
	Notify(ctx context.Context, in NotifyInput) error
}

// AbuseConsumer drains the abuse lane: it raises the blacklist severity for
// the offending tracking id and notifies the product owner.
type AbuseConsumer struct {
	blacklist    severityRaiser
	notifier     notifier
	subscription *pubsub.Subscriber
	idempotency  idempotencyChecker
	logg         *logger.Logger
}

// NewAbuseConsumer builds the abuse-lane consumer.
func NewAbuseConsumer(blacklist severityRaiser, notifier notifier, subscription *pubsub.Subscriber, manager idempotencyChecker, logg *logger.Logger) (*AbuseConsumer, error) {
	if blacklist == nil {
		return nil, fmt.Errorf("blacklist repository required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("abuse subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &AbuseConsumer{
		blacklist:    blacklist,
		notifier:     notifier,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *AbuseConsumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *AbuseConsumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventAbuseIncident) {
		c.logg.Info(logCtx, "skipping non-abuse event")
		return processResult{ack: true}
	}

	var envelope queue.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, abuseConsumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	var payload AbuseIncidentPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		_ = c.idempotency.Delete(ctx, abuseConsumerName, eventID)
		return processResult{nack: true}
	}

	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"track_id": payload.TrackID,
		"order_id": payload.OrderID.String(),
	})

	if err := c.handleIncident(ctx, payload, logCtx); err != nil {
		c.logg.Error(logCtx, "abuse incident handling failed", err)
		_ = c.idempotency.Delete(ctx, abuseConsumerName, eventID)
		return processResult{nack: true}
	}

	return processResult{ack: true}
}

func (c *AbuseConsumer) handleIncident(ctx context.Context, payload AbuseIncidentPayload, logCtx context.Context) error {
	if payload.TrackID == "" {
		return fmt.Errorf("track id missing")
	}
	delta := payload.Severity
	if delta <= 0 {
		delta = 1
	}
	if err := c.blacklist.RaiseSeverity(ctx, payload.TrackID, delta, payload.Reason); err != nil {
		return fmt.Errorf("raise severity: %w", err)
	}
	c.logg.Info(logCtx, "blacklist severity raised")

	if payload.OwnerUserID == uuid.Nil {
		return nil
	}
	link := fmt.Sprintf("/orders/%s", payload.OrderID)
	message := fmt.Sprintf("Delivery for order %s was refused: buyer %s exceeds the abuse threshold.", payload.OrderID, payload.TrackID)
	if payload.Reason != "" {
		message = fmt.Sprintf("%s Reason: %s", message, payload.Reason)
	}
	err := c.notifier.Notify(ctx, NotifyInput{
		UserID:  payload.OwnerUserID,
		Type:    enums.NotificationTypeAbuseRefusal,
		Title:   "Delivery refused",
		Message: message,
		Link:    stringPtr(link),
	})
	if err != nil {
		return fmt.Errorf("notify owner: %w", err)
	}
	c.logg.Info(logCtx, "owner notified of refused delivery")
	return nil
}

func stringPtr(value string) *string {
	return &value
}
