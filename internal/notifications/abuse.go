package notifications

import (
	"context"
	"encoding/json"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/queue"
)

// AbuseIncidentPayload is the queue payload carried on the abuse lane. The
// consumer raises the blacklist severity for TrackID and notifies the owner.
type AbuseIncidentPayload struct {
	TrackID     string    `json:"trackId"`
	ProductID   uuid.UUID `json:"productId"`
	OrderID     uuid.UUID `json:"orderId"`
	OwnerUserID uuid.UUID `json:"ownerUserId"`
	Severity    int       `json:"severity"`
	Reason      string    `json:"reason,omitempty"`
}

type abusePublishResult interface {
	Get(context.Context) (string, error)
}

type abuseLane interface {
	Publish(context.Context, *pubsub.Message) abusePublishResult
}

type gcpAbuseLane struct {
	*pubsub.Publisher
}

func (l *gcpAbuseLane) Publish(ctx context.Context, msg *pubsub.Message) abusePublishResult {
	if l == nil || l.Publisher == nil {
		return nil
	}
	return l.Publisher.Publish(ctx, msg)
}

// AbusePublisher enqueues abuse incidents onto the dedicated Pub/Sub lane so
// severity bumps never block the IPN handler.
type AbusePublisher struct {
	lane abuseLane
	logg *logger.Logger
}

// NewAbusePublisher builds a publisher over the abuse lane.
func NewAbusePublisher(publisher *pubsub.Publisher, logg *logger.Logger) (*AbusePublisher, error) {
	if publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "abuse publisher required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &AbusePublisher{lane: &gcpAbuseLane{Publisher: publisher}, logg: logg}, nil
}

func newAbusePublisher(lane abuseLane, logg *logger.Logger) *AbusePublisher {
	return &AbusePublisher{lane: lane, logg: logg}
}

// Publish wraps the incident in the standard envelope and waits for the
// broker acknowledgment.
func (p *AbusePublisher) Publish(ctx context.Context, incident AbuseIncidentPayload) error {
	if incident.TrackID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "track id required")
	}
	if incident.Severity <= 0 {
		incident.Severity = 1
	}

	data, err := json.Marshal(incident)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode abuse incident")
	}
	envelope := queue.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode envelope")
	}

	result := p.lane.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"event_type": string(enums.EventAbuseIncident),
		},
	})
	if result == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "abuse lane unavailable")
	}
	if _, err := result.Get(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish abuse incident")
	}

	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"event_id": envelope.EventID,
		"track_id": incident.TrackID,
	}), "abuse incident queued")
	return nil
}
