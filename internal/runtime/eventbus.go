package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/ids"
	"github.com/batonmesh/baton/internal/runtime/logging"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

// EventHandler processes one delivered event. Returning an error counts the
// delivery as failed; the events package sentinels (ErrRetry, ErrSkip,
// ErrDeadLetter) steer the retry middleware and the router DLQ.
type EventHandler func(ctx context.Context, evt *events.EventMessage) error

// SubscriptionInfo is a point-in-time view of one subscription.
type SubscriptionInfo struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Service        string `json:"service,omitempty"`
	QueueCapacity  int    `json:"queue_capacity"`
	Queued         int    `json:"queued"`
}

type subscription struct {
	id      string
	pattern events.TopicPattern
	service string
	queue   chan *message.Message
	handler message.HandlerFunc
}

// metricLabel keeps the prometheus label space bounded: named subscribers
// report under their service name, anonymous ones share "default".
func (s *subscription) metricLabel() string {
	if s.service != "" {
		return s.service
	}
	return "default"
}

type subscribeOptions struct {
	service     string
	queueSize   int
	middlewares []message.HandlerMiddleware
}

// SubscribeOption customises a single subscription.
type SubscribeOption func(*subscribeOptions)

// WithSubscriberName labels the subscription with the owning service name.
// The name shows up in delivery logs and metric labels.
func WithSubscriberName(service string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.service = service
	}
}

// WithQueueSize overrides the delivery queue depth for this subscription.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithSubscriptionMiddleware appends middlewares that run after the bus
// chain, closest to the handler, for this subscription only.
func WithSubscriptionMiddleware(mws ...message.HandlerMiddleware) SubscribeOption {
	return func(o *subscribeOptions) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// EventBus is the in-process pub/sub fabric. Every subscription owns a
// bounded queue drained by a dedicated worker goroutine, so a slow or
// failing handler never blocks the publisher or its sibling subscribers.
// Publish order is preserved per subscriber, not across subscribers.
type EventBus struct {
	logger           logging.ServiceLogger
	serviceName      string
	defaultQueueSize int

	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []string
	closed bool

	middlewares []message.HandlerMiddleware

	mirror      message.Publisher
	mirrorTopic string

	wg sync.WaitGroup

	published       prometheus.Counter
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	subsGauge       prometheus.Gauge
}

// BusOption customises EventBus construction.
type BusOption func(*EventBus) error

// WithBusMiddlewares replaces the default subscription middleware chain.
func WithBusMiddlewares(regs ...MiddlewareRegistration) BusOption {
	return func(b *EventBus) error {
		b.middlewares = nil
		return b.applyMiddlewares(regs)
	}
}

// WithBusRegisterer registers the bus collectors on reg instead of the
// default prometheus registerer.
func WithBusRegisterer(reg prometheus.Registerer) BusOption {
	return func(b *EventBus) error {
		b.registerMetrics(reg)
		return nil
	}
}

// NewEventBus builds a bus with the default middleware chain. A nil conf
// falls back to defaults, a nil logger discards output.
func NewEventBus(conf *config.Config, logger logging.ServiceLogger, opts ...BusOption) (*EventBus, error) {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	b := &EventBus{
		logger:           logger,
		serviceName:      config.DefaultServiceName,
		defaultQueueSize: config.DefaultBusQueueSize,
		subs:             map[string]*subscription{},
	}
	if conf != nil {
		if conf.ServiceName != "" {
			b.serviceName = conf.ServiceName
		}
		if conf.BusQueueSize > 0 {
			b.defaultQueueSize = conf.BusQueueSize
		}
		b.mirrorTopic = conf.BridgeMirrorTopic
	}

	if err := b.applyMiddlewares(DefaultSubscriptionMiddlewares()); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.published == nil {
		b.registerMetrics(prometheus.DefaultRegisterer)
	}
	return b, nil
}

func (b *EventBus) applyMiddlewares(regs []MiddlewareRegistration) error {
	for _, reg := range regs {
		mw, err := resolveMiddleware(b, reg)
		if err != nil {
			return fmt.Errorf("bus middleware %q: %w", reg.Name, err)
		}
		if mw == nil {
			continue
		}
		b.middlewares = append(b.middlewares, mw)
	}
	return nil
}

func (b *EventBus) registerMetrics(reg prometheus.Registerer) {
	b.published = registerCollector(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Events accepted by Publish.",
	}))
	b.delivered = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "delivered_total",
		Help:      "Events successfully handled, per subscriber.",
	}, []string{"subscription"}))
	b.dropped = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscription queue was full.",
	}, []string{"subscription"}))
	b.handlerFailures = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "handler_failures_total",
		Help:      "Deliveries whose handler returned an error.",
	}, []string{"subscription"}))
	b.handlerDuration = registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "handler_duration_seconds",
		Help:      "Handler execution time, per subscriber.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"subscription"}))
	b.subsGauge = registerCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "bus",
		Name:      "subscriptions",
		Help:      "Active subscriptions.",
	}))
}

// Subscribe registers handler for every topic matching pattern and returns
// the subscription id. The handler runs on the subscription's own worker
// goroutine wrapped in the bus middleware chain.
func (b *EventBus) Subscribe(pattern string, handler EventHandler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", &errspkg.ValidationError{
			Field:  "handler",
			Reason: "handler must not be nil",
			Cause:  errspkg.ErrHandlerRequired,
		}
	}
	compiled, err := events.CompilePattern(pattern)
	if err != nil {
		return "", err
	}

	options := subscribeOptions{queueSize: b.defaultQueueSize}
	for _, opt := range opts {
		opt(&options)
	}

	sub := &subscription{
		id:      ids.Prefixed("sub"),
		pattern: compiled,
		service: options.service,
		queue:   make(chan *message.Message, options.queueSize),
	}
	chain := b.middlewares
	if len(options.middlewares) > 0 {
		chain = append(append([]message.HandlerMiddleware{}, b.middlewares...), options.middlewares...)
	}
	sub.handler = chainMiddlewares(deliveryHandler(handler), chain)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errspkg.ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.wg.Add(1)
	go b.worker(sub)
	b.mu.Unlock()

	b.subsGauge.Inc()
	b.logger.Info("subscription created", logging.LogFields{
		"subscription_id": sub.id,
		"pattern":         pattern,
		"service":         options.service,
	})
	return sub.id, nil
}

// deliveryHandler is the innermost HandlerFunc: it rebuilds the envelope
// from the message, so metadata added by middlewares is visible to the
// handler, and payload values carry JSON types.
func deliveryHandler(handler EventHandler) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		evt, err := events.FromMessage(msg)
		if err != nil {
			return nil, err
		}
		return nil, handler(msg.Context(), evt)
	}
}

func (b *EventBus) worker(sub *subscription) {
	defer b.wg.Done()
	for msg := range sub.queue {
		if _, err := sub.handler(msg); err != nil {
			b.handlerFailures.WithLabelValues(sub.metricLabel()).Inc()
			b.logger.Error("event handler failed", err, logging.LogFields{
				"event_id":        msg.UUID,
				"subscription_id": sub.id,
				"topic":           msg.Metadata.Get(metadata.KeyTopic),
			})
			continue
		}
		b.delivered.WithLabelValues(sub.metricLabel()).Inc()
	}
}

// Publish validates evt, stamps missing identity fields, and enqueues it to
// every matching subscription. Full queues drop the event for that
// subscriber only. Publish returns nil when no subscriber matches; it fails
// only on validation or when the bus is closed.
func (b *EventBus) Publish(ctx context.Context, evt *events.EventMessage) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.EventID == "" {
		evt.EventID = ids.Prefixed("evt")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.SourceService == "" {
		evt.SourceService = b.serviceName
	}

	msg, err := evt.ToMessage()
	if err != nil {
		return &errspkg.ValidationError{Field: "payload", Reason: "payload is not encodable", Cause: err}
	}
	// Deliveries happen after Publish returns, so they must survive the
	// publisher's context while keeping its trace linkage.
	msg.SetContext(context.WithoutCancel(ctx))

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errspkg.ErrBusClosed
	}
	b.published.Inc()
	for _, id := range b.order {
		sub := b.subs[id]
		if !sub.pattern.Match(evt.Topic) {
			continue
		}
		select {
		case sub.queue <- copyForSubscriber(msg, sub.metricLabel()):
		default:
			b.dropped.WithLabelValues(sub.metricLabel()).Inc()
			b.logger.Error("subscription queue full, dropping event", nil, logging.LogFields{
				"event_id":        evt.EventID,
				"topic":           evt.Topic,
				"subscription_id": sub.id,
			})
		}
	}
	mirror := b.mirror
	b.mu.RUnlock()

	b.mirrorOut(mirror, evt, msg)
	return nil
}

// mirrorOut copies locally published events to the bridge publisher. Events
// that entered through a bridge are skipped to avoid echo loops, and mirror
// failures never fail the local publish.
func (b *EventBus) mirrorOut(mirror message.Publisher, evt *events.EventMessage, msg *message.Message) {
	if mirror == nil || b.mirrorTopic == "" {
		return
	}
	if evt.Metadata.Bridged() {
		return
	}
	if err := mirror.Publish(b.mirrorTopic, copyForSubscriber(msg, "mirror")); err != nil {
		b.logger.Error("bridge mirror publish failed", err, logging.LogFields{
			"event_id": evt.EventID,
			"topic":    evt.Topic,
		})
	}
}

// SetMirror points the bus at a bridge publisher. Mirroring stays disabled
// until a mirror topic is configured.
func (b *EventBus) SetMirror(pub message.Publisher) {
	b.mu.Lock()
	b.mirror = pub
	b.mu.Unlock()
}

// copyForSubscriber builds an independent message per delivery so
// middlewares can mutate metadata and context without crosstalk. The payload
// bytes are shared and treated as immutable.
func copyForSubscriber(src *message.Message, label string) *message.Message {
	clone := message.NewMessage(src.UUID, src.Payload)
	for k, v := range src.Metadata {
		clone.Metadata.Set(k, v)
	}
	clone.Metadata.Set(metadata.KeySubscription, label)
	clone.SetContext(src.Context())
	return clone
}

// Unsubscribe removes the subscription. Events already queued are still
// delivered; new events are no longer enqueued.
func (b *EventBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return errspkg.ErrSubscriptionNotFound
	}
	delete(b.subs, subscriptionID)
	for i, id := range b.order {
		if id == subscriptionID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	// Closing under the lock keeps Publish from enqueueing into a closed
	// channel; the worker drains the queue and exits.
	close(sub.queue)
	b.mu.Unlock()

	b.subsGauge.Dec()
	b.logger.Info("subscription removed", logging.LogFields{
		"subscription_id": subscriptionID,
		"pattern":         sub.pattern.String(),
	})
	return nil
}

// Subscriptions returns a snapshot of active subscriptions in registration
// order.
func (b *EventBus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.order))
	for _, id := range b.order {
		sub := b.subs[id]
		infos = append(infos, SubscriptionInfo{
			SubscriptionID: sub.id,
			Pattern:        sub.pattern.String(),
			Service:        sub.service,
			QueueCapacity:  cap(sub.queue),
			Queued:         len(sub.queue),
		})
	}
	return infos
}

// Close rejects further publishes and subscriptions, lets every worker
// drain its queue, and waits for them to exit. Closing twice is a no-op.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.subs = map[string]*subscription{}
	b.order = nil
	b.mu.Unlock()

	b.wg.Wait()
	b.subsGauge.Set(0)
	b.logger.Info("event bus closed", nil)
	return nil
}
