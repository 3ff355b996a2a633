package events

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/ids"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

// ToMessage converts the event into a Watermill message for bridge
// publishers. The payload is the full envelope JSON so external consumers
// get a self-describing body, and the identity fields are mirrored into
// message metadata for broker-level filtering.
func (e *EventMessage) ToMessage() (*message.Message, error) {
	if e == nil {
		return nil, errspkg.ErrEventRequired
	}
	body, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, err
	}

	uuid := e.EventID
	if uuid == "" {
		uuid = ids.Prefixed("evt")
	}
	msg := message.NewMessage(uuid, body)

	msg.Metadata = metadata.ToWatermill(e.Metadata)
	msg.Metadata.Set(metadata.KeyEventID, uuid)
	msg.Metadata.Set(metadata.KeyTopic, e.Topic)
	msg.Metadata.Set(metadata.KeyEventType, e.EventType)
	if e.SourceService != "" {
		msg.Metadata.Set(metadata.KeySourceService, e.SourceService)
	}
	if !e.Timestamp.IsZero() {
		msg.Metadata.Set(metadata.KeyPublishedAt, e.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return msg, nil
}

// FromMessage rebuilds an event from a Watermill message. Envelope JSON in
// the payload wins; otherwise the identity comes from message metadata and
// the payload is decoded as a bare JSON object. This accepts both messages
// produced by ToMessage and raw bodies posted by external services.
func FromMessage(msg *message.Message) (*EventMessage, error) {
	if msg == nil {
		return nil, errspkg.ErrEventRequired
	}

	var envelope EventMessage
	if err := jsoncodec.Unmarshal(msg.Payload, &envelope); err == nil && envelope.Topic != "" {
		if envelope.EventID == "" {
			envelope.EventID = msg.UUID
		}
		if envelope.Metadata == nil {
			envelope.Metadata = metadata.New()
		}
		for k, v := range msg.Metadata {
			if _, exists := envelope.Metadata[k]; !exists {
				envelope.Metadata[k] = v
			}
		}
		return &envelope, nil
	}

	topic := msg.Metadata.Get(metadata.KeyTopic)
	if topic == "" {
		return nil, &errspkg.ValidationError{
			Field:  "topic",
			Reason: "message carries neither an envelope payload nor a topic metadata entry",
			Cause:  errspkg.ErrTopicRequired,
		}
	}

	evt := &EventMessage{
		EventID:       msg.Metadata.Get(metadata.KeyEventID),
		Topic:         topic,
		EventType:     msg.Metadata.Get(metadata.KeyEventType),
		SourceService: msg.Metadata.Get(metadata.KeySourceService),
		Metadata:      metadata.FromWatermill(msg.Metadata),
	}
	if evt.EventID == "" {
		evt.EventID = msg.UUID
	}
	if evt.EventType == "" {
		evt.EventType = topic
	}
	if publishedAt := msg.Metadata.Get(metadata.KeyPublishedAt); publishedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, publishedAt); err == nil {
			evt.Timestamp = ts
		}
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if len(msg.Payload) > 0 {
		payload, err := jsoncodec.DecodeMap(msg.Payload)
		if err != nil {
			return nil, &errspkg.ValidationError{Field: "payload", Reason: "payload is not a JSON object", Cause: err}
		}
		evt.Payload = payload
	} else {
		evt.Payload = map[string]any{}
	}
	return evt, nil
}
