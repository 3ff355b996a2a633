// Package events defines the envelope exchanged between services: the
// EventMessage carried by the in-process bus and mirrored onto brokers,
// topic patterns for subscription matching, and the error values handlers
// return to steer retry and dead-letter behavior.
package events

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/ids"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

// EventMessage is the unit of communication on the event bus. Topic names
// the routing subject ("agent.created"), EventType the semantic kind, and
// Payload carries the JSON-shaped body. Metadata is transport metadata and
// never part of the payload.
type EventMessage struct {
	EventID       string            `json:"event_id"`
	Topic         string            `json:"topic"`
	EventType     string            `json:"event_type"`
	Payload       map[string]any    `json:"payload,omitempty"`
	SourceService string            `json:"source_service,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      metadata.Metadata `json:"metadata,omitempty"`
}

// New creates an EventMessage with a fresh ULID and the current UTC time.
func New(topic, eventType, sourceService string) *EventMessage {
	return &EventMessage{
		EventID:       ids.Prefixed("evt"),
		Topic:         topic,
		EventType:     eventType,
		SourceService: sourceService,
		Timestamp:     time.Now().UTC(),
		Payload:       map[string]any{},
		Metadata:      metadata.New(),
	}
}

// WithPayload replaces the payload map.
func (e *EventMessage) WithPayload(payload map[string]any) *EventMessage {
	e.Payload = payload
	return e
}

// WithPayloadValue sets a single payload field.
func (e *EventMessage) WithPayloadValue(key string, value any) *EventMessage {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.Payload[key] = value
	return e
}

// WithMetadata sets a single metadata entry.
func (e *EventMessage) WithMetadata(key, value string) *EventMessage {
	e.Metadata = e.Metadata.With(key, value)
	return e
}

// WithSource overrides the source service.
func (e *EventMessage) WithSource(sourceService string) *EventMessage {
	e.SourceService = sourceService
	return e
}

// AggregateType returns the first topic segment ("agent" for "agent.created").
func (e *EventMessage) AggregateType() string {
	if e == nil {
		return ""
	}
	topic := e.Topic
	if idx := strings.IndexByte(topic, '.'); idx >= 0 {
		return topic[:idx]
	}
	return topic
}

// Validate reports whether the event is structurally sound: a non-empty
// topic with no empty segments and a non-empty event type.
func (e *EventMessage) Validate() error {
	if e == nil {
		return &errspkg.ValidationError{Field: "event", Reason: "event must not be nil", Cause: errspkg.ErrEventRequired}
	}
	if strings.TrimSpace(e.Topic) == "" {
		return &errspkg.ValidationError{Field: "topic", Reason: "topic must not be empty", Cause: errspkg.ErrTopicRequired}
	}
	for i, segment := range strings.Split(e.Topic, ".") {
		if segment == "" {
			return &errspkg.ValidationError{
				Field:  "topic",
				Reason: fmt.Sprintf("topic %q has an empty segment at position %d", e.Topic, i),
			}
		}
	}
	if strings.TrimSpace(e.EventType) == "" {
		return &errspkg.ValidationError{Field: "event_type", Reason: "event type must not be empty"}
	}
	return nil
}

// Clone returns a deep copy. Payload values are copied one level deep,
// which is enough to isolate subscribers that mutate top-level fields.
func (e *EventMessage) Clone() *EventMessage {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			clone.Payload[k] = v
		}
	}
	clone.Metadata = e.Metadata.Clone()
	return &clone
}

// PayloadString returns a payload field as a string.
func (e *EventMessage) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadInt returns a payload field as an int, coercing the numeric
// types JSON decoding produces.
func (e *EventMessage) PayloadInt(key string) (int, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// PayloadInt64 returns a payload field as an int64, coercing the numeric
// types JSON decoding produces.
func (e *EventMessage) PayloadInt64(key string) (int64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		var parsed int64
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// PayloadFloat returns a payload field as a float64.
func (e *EventMessage) PayloadFloat(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PayloadBool returns a payload field as a bool.
func (e *EventMessage) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PayloadTime returns a payload field as a time, accepting RFC 3339
// strings and time values.
func (e *EventMessage) PayloadTime(key string) (time.Time, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func (e *EventMessage) String() string {
	if e == nil {
		return "EventMessage(nil)"
	}
	return fmt.Sprintf("EventMessage(id=%s topic=%s type=%s source=%s)", e.EventID, e.Topic, e.EventType, e.SourceService)
}
