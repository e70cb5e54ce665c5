package enums

// EventType labels queue messages so consumers can cheaply skip traffic that
// is not theirs. Carried in the Pub/Sub message attributes.
type EventType string

const (
	EventIPNReceived   EventType = "ipn.received"
	EventAbuseIncident EventType = "abuse.incident"
)
