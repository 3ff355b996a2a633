package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	handlerpkg "github.com/batonmesh/baton/internal/runtime/handlers"
)

// SubscribeProto subscribes a typed protobuf handler: each matching event's
// payload is decoded through protojson into a fresh T before the handler
// runs.
func SubscribeProto[T proto.Message](bus *EventBus, pattern string, handler handlerpkg.ProtoEventHandler[T], opts ...SubscribeOption) (string, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}

	wrapped, err := handlerpkg.BuildProtoEventHandler(handler, bus.logger)
	if err != nil {
		return "", err
	}
	return bus.Subscribe(pattern, EventHandler(wrapped), opts...)
}

// NewProtoMessage returns a fresh zero value of the protobuf message type T.
// T must be a pointer to a generated message; interface-typed T cannot be
// instantiated and reports an error.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	return handlerpkg.EnsureProtoPrototype(zero)
}

// MustProtoMessage is NewProtoMessage for static message types; it panics
// when T cannot be instantiated.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
