package baton

import (
	"google.golang.org/protobuf/proto"

	bridgepkg "github.com/batonmesh/baton/bridge"
	runtimepkg "github.com/batonmesh/baton/internal/runtime"
	configpkg "github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	eventspkg "github.com/batonmesh/baton/internal/runtime/events"
	handlerpkg "github.com/batonmesh/baton/internal/runtime/handlers"
	idspkg "github.com/batonmesh/baton/internal/runtime/ids"
	jsoncodec "github.com/batonmesh/baton/internal/runtime/jsoncodec"
	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
	metadatapkg "github.com/batonmesh/baton/internal/runtime/metadata"
)

type (
	Config       = configpkg.Config
	Core         = runtimepkg.Core
	Dependencies = runtimepkg.Dependencies

	// Service registry
	ServiceRegistry = runtimepkg.ServiceRegistry
	ServiceInfo     = runtimepkg.ServiceInfo
	ServiceStatus   = runtimepkg.ServiceStatus
	HealthCheck     = runtimepkg.HealthCheck
	RegistryOption  = runtimepkg.RegistryOption

	// Circuit breakers
	Breaker               = runtimepkg.Breaker
	BreakerRegistry       = runtimepkg.BreakerRegistry
	BreakerState          = runtimepkg.BreakerState
	BreakerMetrics        = runtimepkg.BreakerMetrics
	BreakerOption         = runtimepkg.BreakerOption
	BreakerRegistryOption = runtimepkg.BreakerRegistryOption
	StateChangeHook       = runtimepkg.StateChangeHook

	// Dispatcher
	Dispatcher        = runtimepkg.Dispatcher
	DispatcherOption  = runtimepkg.DispatcherOption
	CallOption        = runtimepkg.CallOption
	TargetInfo        = runtimepkg.TargetInfo
	TargetStats       = runtimepkg.TargetStats
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ErrorBreakdown    = runtimepkg.ErrorBreakdown
	ResourceUsage     = runtimepkg.ResourceUsage
	ErrorCategory     = runtimepkg.ErrorCategory
	ErrorClassifier   = runtimepkg.ErrorClassifier

	// Sagas
	SagaOrchestrator = runtimepkg.SagaOrchestrator
	SagaOption       = runtimepkg.SagaOption
	SagaDefinition   = runtimepkg.SagaDefinition
	SagaStep         = runtimepkg.SagaStep
	SagaContext      = runtimepkg.SagaContext
	StepAction       = runtimepkg.StepAction
	SagaExecution    = runtimepkg.SagaExecution
	StepExecution    = runtimepkg.StepExecution
	SagaStatus       = runtimepkg.SagaStatus
	StepStatus       = runtimepkg.StepStatus
	SagaMetrics      = runtimepkg.SagaMetrics
	SagaHealth       = runtimepkg.SagaHealth
	StepHooks        = runtimepkg.StepHooks
	StepContext      = runtimepkg.StepContext
	EventPublisher   = runtimepkg.EventPublisher

	// Event bus
	EventBus         = runtimepkg.EventBus
	BusOption        = runtimepkg.BusOption
	EventHandler     = runtimepkg.EventHandler
	SubscribeOption  = runtimepkg.SubscribeOption
	SubscriptionInfo = runtimepkg.SubscriptionInfo

	// Event router and DLQ
	EventRouter        = runtimepkg.EventRouter
	RouterOption       = runtimepkg.RouterOption
	RouteTarget        = runtimepkg.RouteTarget
	DeadLetterEntry    = runtimepkg.DeadLetterEntry
	RetryResult        = runtimepkg.RetryResult
	RouterMetrics      = runtimepkg.RouterMetrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTargetMetrics   = runtimepkg.DLQTargetMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Subscription middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Events
	EventMessage    = eventspkg.EventMessage
	TopicPattern    = eventspkg.TopicPattern
	HandlerResult   = eventspkg.HandlerResult
	RetryAfterError = eventspkg.RetryAfterError
	DeadLetterError = eventspkg.DeadLetterError

	// Typed handlers
	JSONEventContext[T any]            = handlerpkg.JSONEventContext[T]
	JSONEventHandler[T any]            = handlerpkg.JSONEventHandler[T]
	ProtoEventContext[T proto.Message] = handlerpkg.ProtoEventContext[T]
	ProtoEventHandler[T proto.Message] = handlerpkg.ProtoEventHandler[T]
	MessageContextBase                 = handlerpkg.MessageContextBase

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Error types
	ValidationError    = errspkg.ValidationError
	CircuitOpenError   = errspkg.CircuitOpenError
	ConnectivityError  = errspkg.ConnectivityError
	StepExecutionError = errspkg.StepExecutionError
	CompensationError  = errspkg.CompensationError
	IntegrationError   = errspkg.IntegrationError

	// Broker bridges
	Bridge             = bridgepkg.Bridge
	BridgeFactory      = runtimepkg.BridgeFactory
	BridgeBuilder      = bridgepkg.Builder
	BridgeConfig       = bridgepkg.Config
	BridgeRegistry     = bridgepkg.Registry
	BridgeCapabilities = bridgepkg.Capabilities
)

var (
	NewCore              = runtimepkg.NewCore
	TryNewCore           = runtimepkg.TryNewCore
	DefaultBridgeFactory = runtimepkg.DefaultBridgeFactory
	ValidateConfig       = configpkg.ValidateConfig
	DefaultRoutes        = configpkg.DefaultRoutes

	// Service registry
	NewServiceRegistry     = runtimepkg.NewServiceRegistry
	WithProbeClient        = runtimepkg.WithProbeClient
	WithRegistryRegisterer = runtimepkg.WithRegistryRegisterer

	// Circuit breakers
	NewBreaker            = runtimepkg.NewBreaker
	NewBreakerRegistry    = runtimepkg.NewBreakerRegistry
	WithFailureThreshold  = runtimepkg.WithFailureThreshold
	WithRecoveryTimeout   = runtimepkg.WithRecoveryTimeout
	WithStateChangeHook   = runtimepkg.WithStateChangeHook
	WithBreakerDefaults   = runtimepkg.WithBreakerDefaults
	WithBreakerRegisterer = runtimepkg.WithBreakerRegisterer

	// Dispatcher
	NewDispatcher            = runtimepkg.NewDispatcher
	WithDispatchClient       = runtimepkg.WithDispatchClient
	WithDispatcherRegisterer = runtimepkg.WithDispatcherRegisterer
	WithTimeout              = runtimepkg.WithTimeout
	WithMaxRetries           = runtimepkg.WithMaxRetries
	WithMethod               = runtimepkg.WithMethod
	WithHeader               = runtimepkg.WithHeader

	// Sagas
	NewSagaOrchestrator = runtimepkg.NewSagaOrchestrator
	WithStepHooks       = runtimepkg.WithStepHooks
	WithLifecycleBus    = runtimepkg.WithLifecycleBus
	WithSagaRegisterer  = runtimepkg.WithSagaRegisterer
	LoggingStepHooks    = runtimepkg.LoggingStepHooks
	MetricsStepHooks    = runtimepkg.MetricsStepHooks
	AlertingStepHooks   = runtimepkg.AlertingStepHooks

	// Event bus
	NewEventBus                = runtimepkg.NewEventBus
	WithBusMiddlewares         = runtimepkg.WithBusMiddlewares
	WithBusRegisterer          = runtimepkg.WithBusRegisterer
	WithSubscriberName         = runtimepkg.WithSubscriberName
	WithQueueSize              = runtimepkg.WithQueueSize
	WithSubscriptionMiddleware = runtimepkg.WithSubscriptionMiddleware

	// Event router and DLQ
	NewEventRouter       = runtimepkg.NewEventRouter
	WithRouterRegisterer = runtimepkg.WithRouterRegisterer
	NewDLQMetrics        = runtimepkg.NewDLQMetrics

	// Subscription middleware
	DefaultSubscriptionMiddlewares = runtimepkg.DefaultSubscriptionMiddlewares
	CorrelationIDMiddleware        = runtimepkg.CorrelationIDMiddleware
	LogEventsMiddleware            = runtimepkg.LogEventsMiddleware
	TracerMiddleware               = runtimepkg.TracerMiddleware
	MetricsMiddleware              = runtimepkg.MetricsMiddleware
	RetryMiddleware                = runtimepkg.RetryMiddleware
	RecovererMiddleware            = runtimepkg.RecovererMiddleware

	// Events
	NewEvent           = eventspkg.New
	EventFromMessage   = eventspkg.FromMessage
	CompilePattern     = eventspkg.CompilePattern
	MustCompilePattern = eventspkg.MustCompilePattern
	NewEventFromProto  = runtimepkg.NewEventFromProto
	PublishProto       = runtimepkg.PublishProto

	// Handler outcome errors
	ErrRetry                = eventspkg.ErrRetry
	ErrDeadLetter           = eventspkg.ErrDeadLetter
	ErrSkip                 = eventspkg.ErrSkip
	ErrUnprocessable        = eventspkg.ErrUnprocessable
	ErrRetryAfter           = eventspkg.ErrRetryAfter
	ErrDeadLetterWithReason = eventspkg.ErrDeadLetterWithReason
	ClassifyError           = eventspkg.ClassifyError
	IsRetryable             = eventspkg.IsRetryable
	ShouldDeadLetter        = eventspkg.ShouldDeadLetter

	// Validation sentinels
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrPatternRequired      = errspkg.ErrPatternRequired
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrBusRequired          = errspkg.ErrBusRequired
	ErrSagaRequired         = errspkg.ErrSagaRequired
	ErrDispatcherRequired   = errspkg.ErrDispatcherRequired
	ErrRegistryRequired     = errspkg.ErrRegistryRequired
	ErrServiceNotRegistered = errspkg.ErrServiceNotRegistered
	ErrSubscriptionNotFound = errspkg.ErrSubscriptionNotFound
	ErrExecutionNotFound    = errspkg.ErrExecutionNotFound
	ErrBusClosed            = errspkg.ErrBusClosed
	AsCircuitOpen           = errspkg.AsCircuitOpen
	AsConnectivity          = errspkg.AsConnectivity

	// Broker bridges. Import the backend packages for their side effects:
	//   _ "github.com/batonmesh/baton/bridge/kafka"
	// or pull in the whole set via the bridge/bridges package.
	DefaultBridgeRegistry          = bridgepkg.DefaultRegistry
	RegisterBridge                 = bridgepkg.Register
	RegisterBridgeWithCapabilities = bridgepkg.RegisterWithCapabilities
	BuildBridge                    = bridgepkg.Build
	GetBridgeCapabilities          = bridgepkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	NewULID    = idspkg.NewULID
	PrefixedID = idspkg.Prefixed
)

// Service health states reported by the registry.
const (
	StatusUnknown   = runtimepkg.StatusUnknown
	StatusHealthy   = runtimepkg.StatusHealthy
	StatusDegraded  = runtimepkg.StatusDegraded
	StatusUnhealthy = runtimepkg.StatusUnhealthy
)

// Circuit breaker states.
const (
	BreakerClosed   = runtimepkg.BreakerClosed
	BreakerOpen     = runtimepkg.BreakerOpen
	BreakerHalfOpen = runtimepkg.BreakerHalfOpen
)

// Saga lifecycle states.
const (
	SagaStatusRunning      = runtimepkg.SagaStatusRunning
	SagaStatusCompleted    = runtimepkg.SagaStatusCompleted
	SagaStatusFailed       = runtimepkg.SagaStatusFailed
	SagaStatusCompensating = runtimepkg.SagaStatusCompensating
	SagaStatusCompensated  = runtimepkg.SagaStatusCompensated

	StepStatusPending     = runtimepkg.StepStatusPending
	StepStatusRunning     = runtimepkg.StepStatusRunning
	StepStatusCompleted   = runtimepkg.StepStatusCompleted
	StepStatusFailed      = runtimepkg.StepStatusFailed
	StepStatusSkipped     = runtimepkg.StepStatusSkipped
	StepStatusCompensated = runtimepkg.StepStatusCompensated
)

// Handler outcome classifications.
const (
	ResultAck        = eventspkg.ResultAck
	ResultRetry      = eventspkg.ResultRetry
	ResultRetryAfter = eventspkg.ResultRetryAfter
	ResultDeadLetter = eventspkg.ResultDeadLetter
	ResultSkip       = eventspkg.ResultSkip
)

// Dispatch error categories recorded on target stats.
const (
	ErrorCategoryNone         = runtimepkg.ErrorCategoryNone
	ErrorCategoryCircuitOpen  = runtimepkg.ErrorCategoryCircuitOpen
	ErrorCategoryConnectivity = runtimepkg.ErrorCategoryConnectivity
	ErrorCategoryValidation   = runtimepkg.ErrorCategoryValidation
	ErrorCategoryOther        = runtimepkg.ErrorCategoryOther
)

// Metadata keys stamped on events as they move through the bus and bridges.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyTopic         = metadatapkg.KeyTopic
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeySourceService = metadatapkg.KeySourceService
	MetadataKeyPublishedAt   = metadatapkg.KeyPublishedAt
	MetadataKeySubscription  = metadatapkg.KeySubscription
	MetadataKeyPayloadSchema = metadatapkg.KeyPayloadSchema
	MetadataKeyBridged       = metadatapkg.KeyBridged
)

// SubscribeJSON registers a handler that receives the event payload decoded
// into T. See runtime SubscribeJSON for the full semantics.
func SubscribeJSON[T any](bus *EventBus, pattern string, handler JSONEventHandler[T], opts ...SubscribeOption) (string, error) {
	return runtimepkg.SubscribeJSON(bus, pattern, handler, opts...)
}

// SubscribeProto registers a handler that receives the event payload decoded
// into the protobuf message T.
func SubscribeProto[T proto.Message](bus *EventBus, pattern string, handler ProtoEventHandler[T], opts ...SubscribeOption) (string, error) {
	return runtimepkg.SubscribeProto(bus, pattern, handler, opts...)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
