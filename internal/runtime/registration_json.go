package runtime

import (
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	handlerpkg "github.com/batonmesh/baton/internal/runtime/handlers"
)

// SubscribeJSON subscribes a typed JSON handler: each matching event's
// payload is decoded into a fresh T before the handler runs. T must be a
// pointer type.
func SubscribeJSON[T any](bus *EventBus, pattern string, handler handlerpkg.JSONEventHandler[T], opts ...SubscribeOption) (string, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}

	wrapped, err := handlerpkg.BuildJSONEventHandler(handler, bus.logger)
	if err != nil {
		return "", err
	}
	return bus.Subscribe(pattern, EventHandler(wrapped), opts...)
}
