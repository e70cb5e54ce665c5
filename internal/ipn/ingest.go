package ipn

import (
	"context"
	"encoding/json"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/queue"
)

type jobPublishResult interface {
	Get(context.Context) (string, error)
}

type jobLane interface {
	Publish(context.Context, *pubsub.Message) jobPublishResult
}

type gcpJobLane struct {
	*pubsub.Publisher
}

func (l *gcpJobLane) Publish(ctx context.Context, msg *pubsub.Message) jobPublishResult {
	if l == nil || l.Publisher == nil {
		return nil
	}
	return l.Publisher.Publish(ctx, msg)
}

type rawLogAppender interface {
	Append(ctx context.Context, processor enums.Processor, transactionType string, payload json.RawMessage) (*models.IpnRawLog, error)
}

// IngestInput is one verified inbound webhook: the untouched provider payload
// plus the side-channel metadata the endpoint extracted from it.
type IngestInput struct {
	Processor       enums.Processor
	TransactionType string
	Payload         json.RawMessage
	Meta            normalize.Meta
}

// Ingestor is the synchronous half of the pipeline: append the payload to the
// raw log, enqueue the job, return. Everything else happens in the consumer,
// so the provider gets its 200 fast.
type Ingestor struct {
	rawLogs rawLogAppender
	lane    jobLane
	logg    *logger.Logger
}

// NewIngestor builds the webhook ingest service over the IPN topic.
func NewIngestor(rawLogs RawLogRepository, publisher *pubsub.Publisher, logg *logger.Logger) (*Ingestor, error) {
	if rawLogs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "raw log repository required")
	}
	if publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "ipn publisher required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &Ingestor{rawLogs: rawLogs, lane: &gcpJobLane{Publisher: publisher}, logg: logg}, nil
}

func newIngestor(rawLogs rawLogAppender, lane jobLane, logg *logger.Logger) *Ingestor {
	return &Ingestor{rawLogs: rawLogs, lane: lane, logg: logg}
}

// Ingest persists the raw payload and enqueues the reconciliation job. A
// failure on either side returns an error so the provider redelivers; the
// raw log is append-only and tolerates the duplicate row.
func (i *Ingestor) Ingest(ctx context.Context, in IngestInput) error {
	if !in.Processor.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown processor")
	}
	if in.TransactionType == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction type required")
	}
	if len(in.Payload) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "payload required")
	}

	if _, err := i.rawLogs.Append(ctx, in.Processor, in.TransactionType, in.Payload); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append raw log")
	}

	job, err := json.Marshal(JobPayload{
		TransactionType: in.TransactionType,
		Payload:         in.Payload,
		Meta:            in.Meta,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode job payload")
	}
	envelope := queue.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Processor:  string(in.Processor),
		Data:       job,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode envelope")
	}

	result := i.lane.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"event_type": string(enums.EventIPNReceived),
		},
	})
	if result == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "ipn lane unavailable")
	}
	if _, err := result.Get(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish ipn job")
	}

	i.logg.Info(i.logg.WithFields(ctx, map[string]any{
		"event_id":         envelope.EventID,
		"processor":        string(in.Processor),
		"transaction_type": in.TransactionType,
	}), "ipn job queued")
	return nil
}
