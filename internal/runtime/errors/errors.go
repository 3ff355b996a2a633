package errors

import sterrors "errors"

var (
	ErrConfigRequired       = sterrors.New("baton: config is required")
	ErrHandlerRequired      = sterrors.New("baton: event handler is required")
	ErrTopicRequired        = sterrors.New("baton: event topic is required")
	ErrPatternRequired      = sterrors.New("baton: topic pattern is required")
	ErrEventRequired        = sterrors.New("baton: event is required")
	ErrPayloadRequired      = sterrors.New("baton: event payload is required")
	ErrPayloadTypeRequired  = sterrors.New("baton: typed payload type is required")
	ErrPayloadPointerNeeded = sterrors.New("baton: typed payload must be a pointer type")
	ErrPublisherRequired    = sterrors.New("baton: publisher is required")
	ErrSubscriberRequired   = sterrors.New("baton: subscriber is required")
	ErrBusRequired          = sterrors.New("baton: event bus is required")
	ErrSagaRequired         = sterrors.New("baton: saga definition is required")
	ErrDispatcherRequired   = sterrors.New("baton: dispatcher is required")
	ErrRegistryRequired     = sterrors.New("baton: service registry is required")
	ErrServiceNotRegistered = sterrors.New("baton: service is not registered")
	ErrSubscriptionNotFound = sterrors.New("baton: subscription not found")
	ErrExecutionNotFound    = sterrors.New("baton: saga execution not found")
	ErrBusClosed            = sterrors.New("baton: event bus is closed")
)
