package queue

import (
	"encoding/json"
	"time"
)

// PayloadEnvelope is the stable payload structure published to Pub/Sub for
// every queued IPN job. Data carries the consumer-specific payload.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Processor  string          `json:"processor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
