package obx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event contains high level information about a domain event and should be
// provided by the clients. The producing aggregate assigns EventID (used by
// consumers for deduplication) and OccurredOn (business time, not dispatch
// time).
type Event struct {
	EventID          uuid.UUID // globally unique event identifier
	AggregateID      string    // identifier of the entity that produced the event
	EventType        string    // topic-safe event type name (e.g. "MessageAdded")
	Payload          []byte    // event payload as a JSON document
	AggregateVersion *int64    // optional per-aggregate monotonic version
	CausedBy         string    // optional correlation/causation identifier
	OccurredOn       time.Time // business time the event happened
}

// Record contains all the information stored in the underlying outbox table
// and is used internally. A record transitions published=false to
// published=true at most once; RetryCount only ever increases.
type Record struct {
	Event
	ID          uuid.UUID
	Published   bool
	PublishedAt *time.Time
	RetryCount  int
	LastError   *string
	CreatedAt   time.Time
}

// envelope is the wire representation of an outbox record. Emitters serialize
// it as the message value; the aggregate identifier travels separately as the
// message key so brokers can preserve per-aggregate ordering when partitioning.
type envelope struct {
	EventID          string          `json:"eventId"`
	AggregateID      string          `json:"aggregateId"`
	EventType        string          `json:"eventType"`
	Payload          json.RawMessage `json:"payload"`
	AggregateVersion *int64          `json:"aggregateVersion,omitempty"`
	CausedBy         string          `json:"causedBy,omitempty"`
	OccurredOn       time.Time       `json:"occurredOn"`
}

// MarshalEnvelope serializes the record into its wire envelope.
func (r *Record) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(envelope{
		EventID:          r.EventID.String(),
		AggregateID:      r.AggregateID,
		EventType:        r.EventType,
		Payload:          json.RawMessage(r.Payload),
		AggregateVersion: r.AggregateVersion,
		CausedBy:         r.CausedBy,
		OccurredOn:       r.OccurredOn,
	})
}
