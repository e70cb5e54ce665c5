package ipn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/queue"
)

type fakeRawLog struct {
	rows []models.IpnRawLog
	err  error
}

func (f *fakeRawLog) Append(_ context.Context, processor enums.Processor, transactionType string, payload json.RawMessage) (*models.IpnRawLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	row := models.IpnRawLog{
		ID:              uuid.New(),
		Processor:       processor,
		TransactionType: transactionType,
		IpnData:         payload,
	}
	f.rows = append(f.rows, row)
	return &row, nil
}

type fakeJobLaneResult struct {
	err error
}

func (f *fakeJobLaneResult) Get(context.Context) (string, error) {
	return "server-id", f.err
}

type fakeJobLane struct {
	messages   []*pubsub.Message
	publishErr error
}

func (f *fakeJobLane) Publish(_ context.Context, msg *pubsub.Message) jobPublishResult {
	f.messages = append(f.messages, msg)
	return &fakeJobLaneResult{err: f.publishErr}
}

func ingestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "ingest-test", Output: io.Discard})
}

func TestIngestAppendsAndPublishes(t *testing.T) {
	rawLogs := &fakeRawLog{}
	lane := &fakeJobLane{}
	ing := newIngestor(rawLogs, lane, ingestLogger())

	meta := normalize.Meta{ProductID: uuid.New(), TrackID: "trk_1"}
	err := ing.Ingest(context.Background(), IngestInput{
		Processor:       enums.ProcessorStripe,
		TransactionType: "charge.succeeded",
		Payload:         json.RawMessage(`{"id":"evt_1"}`),
		Meta:            meta,
	})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	if len(rawLogs.rows) != 1 {
		t.Fatalf("expected 1 raw log row, got %d", len(rawLogs.rows))
	}
	if rawLogs.rows[0].TransactionType != "charge.succeeded" {
		t.Fatalf("unexpected raw log row %+v", rawLogs.rows[0])
	}
	if len(lane.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(lane.messages))
	}
	msg := lane.messages[0]
	if msg.Attributes["event_type"] != string(enums.EventIPNReceived) {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	var envelope queue.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if envelope.Processor != "stripe" {
		t.Fatalf("envelope must carry the processor, got %q", envelope.Processor)
	}
	if _, err := uuid.Parse(envelope.EventID); err != nil {
		t.Fatalf("envelope needs a uuid event id: %v", err)
	}
	var job JobPayload
	if err := json.Unmarshal(envelope.Data, &job); err != nil {
		t.Fatalf("job decode: %v", err)
	}
	if job.Meta.TrackID != "trk_1" || job.Meta.ProductID != meta.ProductID {
		t.Fatalf("meta lost in transit: %+v", job.Meta)
	}
}

func TestIngestRawLogFailureStopsPublish(t *testing.T) {
	rawLogs := &fakeRawLog{err: errors.New("db down")}
	lane := &fakeJobLane{}
	ing := newIngestor(rawLogs, lane, ingestLogger())

	err := ing.Ingest(context.Background(), IngestInput{
		Processor:       enums.ProcessorPaddle,
		TransactionType: "payment_succeeded",
		Payload:         json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("expected error when the raw log write fails")
	}
	if pkgerrors.As(err).Code() != pkgerrors.CodeDependency {
		t.Fatalf("raw log failures are transient, got %v", err)
	}
	if len(lane.messages) != 0 {
		t.Fatal("nothing may be enqueued without a raw log row")
	}
}

func TestIngestBrokerFailure(t *testing.T) {
	rawLogs := &fakeRawLog{}
	lane := &fakeJobLane{publishErr: errors.New("broker down")}
	ing := newIngestor(rawLogs, lane, ingestLogger())

	err := ing.Ingest(context.Background(), IngestInput{
		Processor:       enums.ProcessorPayPal,
		TransactionType: "PAYMENT.SALE.COMPLETED",
		Payload:         json.RawMessage(`{}`),
	})
	if err == nil || pkgerrors.As(err).Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestIngestRejectsIncompleteInput(t *testing.T) {
	ing := newIngestor(&fakeRawLog{}, &fakeJobLane{}, ingestLogger())

	cases := []IngestInput{
		{Processor: "square", TransactionType: "x", Payload: json.RawMessage(`{}`)},
		{Processor: enums.ProcessorStripe, Payload: json.RawMessage(`{}`)},
		{Processor: enums.ProcessorStripe, TransactionType: "x"},
	}
	for _, in := range cases {
		err := ing.Ingest(context.Background(), in)
		if err == nil || pkgerrors.As(err).Code() != pkgerrors.CodeValidation {
			t.Fatalf("expected validation error for %+v, got %v", in, err)
		}
	}
}
