package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
	metadatapkg "github.com/batonmesh/baton/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// NewEventFromProto builds an event envelope whose payload is the protojson
// encoding of msg. The payload schema is recorded in metadata so typed
// subscribers and external consumers can identify the message type.
func NewEventFromProto(topic, eventType, sourceService string, msg proto.Message) (*events.EventMessage, error) {
	if msg == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	body, err := protoJSONMarshalOptions.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal proto payload: %w", err)
	}
	payload, err := jsoncodec.DecodeMap(body)
	if err != nil {
		return nil, fmt.Errorf("decode proto payload: %w", err)
	}

	evt := events.New(topic, eventType, sourceService).WithPayload(payload)
	evt.Metadata = evt.Metadata.With(metadatapkg.KeyPayloadSchema, fmt.Sprintf("%T", msg))
	return evt, nil
}

// PublishProto marshals the proto payload into an event and publishes it on
// the bus. The event type defaults to the topic.
func PublishProto(ctx context.Context, bus *EventBus, topic string, msg proto.Message, md metadatapkg.Metadata) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	evt, err := NewEventFromProto(topic, topic, "", msg)
	if err != nil {
		return err
	}
	if len(md) > 0 {
		evt.Metadata = evt.Metadata.WithAll(md)
	}
	return bus.Publish(ctx, evt)
}
