package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
)

// ProtoEventContext provides strongly typed access to the event payload.
type ProtoEventContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoEventHandler processes a typed protobuf payload.
type ProtoEventHandler[T proto.Message] func(ctx context.Context, event ProtoEventContext[T]) error

// BuildProtoEventHandler wraps a typed proto handler so it can be subscribed
// on the event bus. The payload map is re-encoded and decoded through
// protojson, which accepts both PublishProto output and JSON bodies posted
// by external services.
func BuildProtoEventHandler[T proto.Message](handler ProtoEventHandler[T], logger loggingpkg.ServiceLogger) (func(context.Context, *events.EventMessage) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	var zero T
	prototype, err := EnsureProtoPrototype(zero)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, evt *events.EventMessage) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}

		body, err := payloadBytes(evt.Payload)
		if err != nil {
			return events.ErrDeadLetterWithReason("payload is not encodable", err)
		}
		if err := protojson.Unmarshal(body, typed); err != nil {
			return events.ErrDeadLetterWithReason(
				fmt.Sprintf("payload does not decode into %T", prototype), err)
		}

		return handler(ctx, ProtoEventContext[T]{
			MessageContextBase: contextBaseFor(evt, logger),
			Payload:            typed,
		})
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype materialises a usable prototype from a zero value of
// T, which for proto messages is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
