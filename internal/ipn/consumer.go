package ipn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/metrics"
	"github.com/sellforgehq/sellforge-backend/pkg/queue"
)

const ipnConsumerName = "ipn-worker"

// JobPayload is the queued representation of one inbound webhook: the raw
// provider payload plus the upstream layer's classification and side-channel
// metadata.
type JobPayload struct {
	TransactionType string          `json:"transactionType"`
	Payload         json.RawMessage `json:"payload"`
	Meta            normalize.Meta  `json:"meta"`
}

type eventHandler interface {
	HandleEvent(ctx context.Context, event normalize.Event) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Consumer drains queued IPN jobs: normalize, guard against redelivery, hand
// the canonical event to the reconciliation service, then ack or nack based
// on whether the failure is retryable.
type Consumer struct {
	handler      eventHandler
	subscription *pubsub.Subscriber
	idempotency  idempotencyChecker
	metrics      *metrics.IPNMetrics
	logg         *logger.Logger
}

// NewConsumer builds the IPN consumer.
func NewConsumer(handler eventHandler, subscription *pubsub.Subscriber, manager idempotencyChecker, ipnMetrics *metrics.IPNMetrics, logg *logger.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("event handler required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("ipn subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		handler:      handler,
		subscription: subscription,
		idempotency:  manager,
		metrics:      ipnMetrics,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
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

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	started := time.Now()
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventIPNReceived) {
		c.logg.Info(logCtx, "skipping non-ipn event")
		return processResult{ack: true}
	}

	var envelope queue.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	processor, err := enums.ParseProcessor(envelope.Processor)
	if err != nil {
		c.logg.Error(logCtx, "unknown processor", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithProcessor(logCtx, string(processor))

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithEventID(logCtx, eventID.String())

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, ipnConsumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		if c.metrics != nil {
			c.metrics.IncDuplicate(string(processor))
		}
		return processResult{ack: true}
	}

	var job JobPayload
	if err := json.Unmarshal(envelope.Data, &job); err != nil {
		// same payload on every redelivery, so retrying cannot succeed
		c.logg.Error(logCtx, "failed to parse job payload", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithField(logCtx, "transaction_type", job.TransactionType)

	event, err := normalize.Normalize(processor, job.TransactionType, job.Payload, job.Meta)
	if err != nil {
		if normalize.IsUnhandledType(err) {
			c.logg.Info(logCtx, "transaction type not handled")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "normalization failed", err)
		if c.metrics != nil {
			c.metrics.IncFailed(string(processor), job.TransactionType)
		}
		// malformed payloads never get better on redelivery
		return processResult{ack: true}
	}

	handleErr := c.handler.HandleEvent(ctx, *event)
	if c.metrics != nil {
		c.metrics.ObserveDuration(string(processor), time.Since(started))
	}
	if handleErr != nil {
		code := pkgerrors.As(handleErr).Code()
		retryable := pkgerrors.IsRetryable(handleErr)
		c.logg.Error(c.logg.WithField(logCtx, "error_code", string(code)), "event handling failed", handleErr)
		if c.metrics != nil {
			c.metrics.IncFailed(string(processor), job.TransactionType)
		}
		if retryable {
			_ = c.idempotency.Delete(ctx, ipnConsumerName, eventID)
			return processResult{nack: true}
		}
		// fatal for the event: provider redelivery would fail identically
		return processResult{ack: true}
	}

	if c.metrics != nil {
		c.metrics.IncProcessed(string(processor), job.TransactionType)
	}
	c.logg.Info(logCtx, "ipn processed")
	return processResult{ack: true}
}
