package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/batonmesh/baton/internal/runtime/events"
	idspkg "github.com/batonmesh/baton/internal/runtime/ids"
	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a subscription middleware using the bus it is
// registered on.
type MiddlewareBuilder func(*EventBus) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be attached to an
// EventBus delivery chain. Either Middleware or Builder must be set; a
// Builder returning a nil middleware is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// DefaultSubscriptionMiddlewares returns the standard delivery chain applied
// to every subscription: correlation IDs, debug logging, tracing, delivery
// metrics, and panic recovery closest to the handler. Retry is opt-in via
// RetryMiddleware because most handlers steer redelivery through the
// events.Err* sentinels instead.
func DefaultSubscriptionMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogEventsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each delivered event carries a correlation
// identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadata.KeyCorrelationID, idspkg.NewULID())
				}
				return h(msg)
			}
		},
	}
}

// LogEventsMiddleware logs every delivery at debug level. A nil logger falls
// back to the bus logger.
func LogEventsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_events",
		Builder: func(b *EventBus) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = b.logger
			}
			if l == nil {
				return nil, errors.New("log events middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("delivering event", loggingpkg.LogFields{
						"event_id":     msg.UUID,
						"topic":        msg.Metadata.Get(metadata.KeyTopic),
						"subscription": msg.Metadata.Get(metadata.KeySubscription),
						"payload":      string(msg.Payload),
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				tracer := otel.Tracer("baton-bus")
				ctx, span := tracer.Start(msg.Context(), "baton.bus.deliver")
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("baton.event_id", msg.UUID),
					attribute.String("baton.topic", msg.Metadata.Get(metadata.KeyTopic)),
					attribute.String("baton.subscription", msg.Metadata.Get(metadata.KeySubscription)),
				)
				_, err := h(msg)
				if err != nil {
					span.RecordError(err)
				}
				return nil, err
			}
		},
	}
}

// MetricsMiddleware times handler execution on the bus collectors. Failure
// counting lives in the subscription worker, which sees the final outcome
// after retries.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *EventBus) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					sub := msg.Metadata.Get(metadata.KeySubscription)
					start := time.Now()
					_, err := h(msg)
					b.handlerDuration.WithLabelValues(sub).Observe(time.Since(start).Seconds())
					return nil, err
				}
			}, nil
		},
	}
}

// RetryMiddleware retries handler execution with exponential backoff.
// Defaults are applied to zero config values; the default RetryIf honours
// the events package sentinels, so ErrSkip and ErrDeadLetter outcomes are
// not retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	retryIf := normalized.RetryIf
	if retryIf == nil {
		retryIf = events.IsRetryable
	}
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				return retryIf(params.Err)
			},
		}.Middleware,
	}
}

// RecovererMiddleware converts handler panics into errors so they surface
// through the failure counters instead of killing the subscription worker.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// resolveMiddleware materialises a registration against the bus.
func resolveMiddleware(b *EventBus, reg MiddlewareRegistration) (message.HandlerMiddleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(b)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// chainMiddlewares wraps base so the first middleware in the slice runs
// outermost.
func chainMiddlewares(base message.HandlerFunc, mws []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}
