// Package handlers converts the bus's untyped event envelopes into typed
// handler invocations: JSON payloads decoded into caller structs and proto
// payloads decoded via protojson.
package handlers

import (
	"context"
	"reflect"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	jsoncodec "github.com/batonmesh/baton/internal/runtime/jsoncodec"
	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
)

// JSONEventContext exposes the decoded payload and envelope fields.
type JSONEventContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONEventHandler processes a typed JSON payload.
type JSONEventHandler[T any] func(ctx context.Context, event JSONEventContext[T]) error

// BuildJSONEventHandler wraps a typed JSON handler so it can be subscribed
// on the event bus. T must be a pointer type; each delivery decodes into a
// fresh instance. Payloads that do not decode are dead-lettered rather than
// retried.
func BuildJSONEventHandler[T any](handler JSONEventHandler[T], logger loggingpkg.ServiceLogger) (func(context.Context, *events.EventMessage) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, evt *events.EventMessage) error {
		typed := prototypeFactory()

		body, err := payloadBytes(evt.Payload)
		if err != nil {
			return events.ErrDeadLetterWithReason("payload is not encodable", err)
		}
		if err := jsoncodec.Unmarshal(body, typed); err != nil {
			return events.ErrDeadLetterWithReason("payload does not match the subscribed schema", err)
		}

		return handler(ctx, JSONEventContext[T]{
			MessageContextBase: contextBaseFor(evt, logger),
			Payload:            typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

// payloadBytes re-encodes the payload map for typed decoding.
func payloadBytes(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return jsoncodec.Marshal(payload)
}

func contextBaseFor(evt *events.EventMessage, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		EventID:   evt.EventID,
		Topic:     evt.Topic,
		EventType: evt.EventType,
		Source:    evt.SourceService,
		Timestamp: evt.Timestamp,
		Metadata:  evt.Metadata,
		Logger:    logger,
	}
}
