package runtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/batonmesh/baton/internal/runtime/config"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// RouteTarget names the service that consumes one aggregate's events and the
// path prefix the events are POSTed to.
type RouteTarget struct {
	ServiceName string `json:"service_name"`
	PathPrefix  string `json:"path_prefix"`
}

// DeadLetterEntry is an event whose routed delivery failed, parked for
// later redelivery via RetryDLQ.
type DeadLetterEntry struct {
	Event         *events.EventMessage `json:"event"`
	TargetService string               `json:"target_service"`
	FailureReason string               `json:"failure_reason"`
	AttemptCount  int                  `json:"attempt_count"`
	FirstFailedAt time.Time            `json:"first_failed_at"`
	LastAttemptAt time.Time            `json:"last_attempt_at"`
}

// RetryResult summarises one target's RetryDLQ pass.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Remaining int `json:"remaining"`
}

// RouterMetrics is the router's counter snapshot.
type RouterMetrics struct {
	EventsReceived uint64         `json:"events_received"`
	EventsRouted   uint64         `json:"events_routed"`
	DLQSizes       map[string]int `json:"dlq_sizes"`
}

// EventRouter forwards bus events to the services interested in each
// aggregate type. Deliveries go through the dispatcher, so they share the
// registry lookup and circuit breaker with every other outbound call. A
// failed delivery is parked in a per-target dead letter queue instead of
// blocking or raising.
type EventRouter struct {
	dispatcher *Dispatcher
	logger     logging.ServiceLogger
	tracer     trace.Tracer
	routes     map[string]RouteTarget

	mu       sync.Mutex
	dlq      map[string][]*DeadLetterEntry
	received uint64
	routed   uint64

	dlqMetrics    *DLQMetrics
	receivedTotal prometheus.Counter
	routedTotal   prometheus.Counter
}

// RouterOption customizes an EventRouter.
type RouterOption func(*EventRouter)

// WithRouterRegisterer sets the Prometheus registerer for router and DLQ
// metrics.
func WithRouterRegisterer(reg prometheus.Registerer) RouterOption {
	return func(r *EventRouter) {
		if reg != nil {
			r.registerMetrics(reg)
		}
	}
}

// NewEventRouter builds a router over the routing table in conf. An empty
// table falls back to config.DefaultRoutes; the delivery path prefix falls
// back to config.DefaultRoutePathPrefix.
func NewEventRouter(conf *config.Config, dispatcher *Dispatcher, logger logging.ServiceLogger, opts ...RouterOption) *EventRouter {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	table := config.DefaultRoutes()
	prefix := config.DefaultRoutePathPrefix
	if conf != nil {
		if len(conf.Routes) > 0 {
			table = conf.Routes
		}
		if conf.RoutePathPrefix != "" {
			prefix = conf.RoutePathPrefix
		}
	}

	routes := make(map[string]RouteTarget, len(table))
	for aggregate, service := range table {
		routes[aggregate] = RouteTarget{ServiceName: service, PathPrefix: prefix}
	}

	r := &EventRouter{
		dispatcher: dispatcher,
		logger:     logger.With(logging.LogFields{"component": "router"}),
		tracer:     otel.Tracer("baton-router"),
		routes:     routes,
		dlq:        map[string][]*DeadLetterEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.receivedTotal == nil {
		r.registerMetrics(prometheus.DefaultRegisterer)
	}
	return r
}

func (r *EventRouter) registerMetrics(reg prometheus.Registerer) {
	r.dlqMetrics = NewDLQMetrics(reg)
	r.receivedTotal = registerCollector(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "router",
		Name:      "events_received_total",
		Help:      "Structurally valid events presented to the router.",
	}))
	r.routedTotal = registerCollector(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "router",
		Name:      "events_routed_total",
		Help:      "Events delivered to their routing target.",
	}))
}

// Routes returns the routing table keyed by aggregate type.
func (r *EventRouter) Routes() map[string]RouteTarget {
	out := make(map[string]RouteTarget, len(r.routes))
	for aggregate, target := range r.routes {
		out[aggregate] = target
	}
	return out
}

// RouteEvent forwards evt to the service registered for its aggregate type
// and reports whether the delivery succeeded. Malformed events (nil, empty
// aggregate, empty event type) are dropped without touching any counter or
// queue. Events with no route count as received but are not dead lettered.
// A failed delivery, including a breaker denial, appends a DeadLetterEntry
// for the target; RouteEvent itself never returns an error.
func (r *EventRouter) RouteEvent(ctx context.Context, evt *events.EventMessage) bool {
	if evt == nil || strings.TrimSpace(evt.AggregateType()) == "" || strings.TrimSpace(evt.EventType) == "" {
		r.logger.Error("dropping malformed event", nil, logging.LogFields{
			"event": evt.String(),
		})
		return false
	}

	aggregate := evt.AggregateType()
	target, ok := r.routes[aggregate]
	if !ok {
		r.countReceived()
		r.logger.Error("no route for aggregate type", nil, logging.LogFields{
			"aggregate": aggregate,
			"topic":     evt.Topic,
		})
		return false
	}
	r.countReceived()

	ctx, span := r.tracer.Start(ctx, "baton.router.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("baton.aggregate", aggregate),
		attribute.String("baton.target", target.ServiceName),
		attribute.String("baton.event_id", evt.EventID),
	)

	if err := r.deliver(ctx, target, aggregate, evt); err != nil {
		span.RecordError(err)
		r.park(target.ServiceName, evt, err)
		return false
	}

	r.countRouted()
	return true
}

func (r *EventRouter) deliver(ctx context.Context, target RouteTarget, aggregate string, evt *events.EventMessage) error {
	endpoint := strings.TrimRight(target.PathPrefix, "/") + "/" + aggregate
	_, err := r.dispatcher.Call(ctx, target.ServiceName, endpoint, evt, WithMaxRetries(0))
	return err
}

func (r *EventRouter) park(targetService string, evt *events.EventMessage, cause error) {
	now := time.Now().UTC()
	entry := &DeadLetterEntry{
		Event:         evt.Clone(),
		TargetService: targetService,
		FailureReason: cause.Error(),
		AttemptCount:  1,
		FirstFailedAt: now,
		LastAttemptAt: now,
	}

	r.mu.Lock()
	r.dlq[targetService] = append(r.dlq[targetService], entry)
	size := len(r.dlq[targetService])
	r.mu.Unlock()

	r.dlqMetrics.RecordEntry(targetService)
	r.dlqMetrics.SetQueueSize(targetService, size)
	r.logger.Error("event dead lettered", cause, logging.LogFields{
		"target":   targetService,
		"event_id": entry.Event.EventID,
		"dlq_size": size,
	})
}

// RetryDLQ redelivers queued entries FIFO per target. Successful entries
// leave the queue; failed ones keep their position with an updated attempt
// count. Entries parked while a pass is in flight stay behind the retried
// ones.
func (r *EventRouter) RetryDLQ(ctx context.Context) map[string]RetryResult {
	r.mu.Lock()
	pending := make(map[string][]*DeadLetterEntry, len(r.dlq))
	for target, entries := range r.dlq {
		if len(entries) == 0 {
			continue
		}
		pending[target] = entries
		r.dlq[target] = nil
	}
	r.mu.Unlock()

	results := make(map[string]RetryResult, len(pending))
	for _, target := range sortedKeys(pending) {
		entries := pending[target]
		result := RetryResult{}
		var kept []*DeadLetterEntry

		for _, entry := range entries {
			result.Attempted++
			err := r.redeliver(ctx, entry)
			entry.LastAttemptAt = time.Now().UTC()
			if err == nil {
				result.Succeeded++
				r.countRouted()
				r.dlqMetrics.RecordRetry(target, true)
				continue
			}
			entry.AttemptCount++
			entry.FailureReason = err.Error()
			kept = append(kept, entry)
			r.dlqMetrics.RecordRetry(target, false)
		}

		r.mu.Lock()
		r.dlq[target] = append(kept, r.dlq[target]...)
		result.Remaining = len(r.dlq[target])
		r.mu.Unlock()

		r.dlqMetrics.SetQueueSize(target, result.Remaining)
		results[target] = result
		r.logger.Info("dead letter retry pass", logging.LogFields{
			"target":    target,
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"remaining": result.Remaining,
		})
	}
	return results
}

func (r *EventRouter) redeliver(ctx context.Context, entry *DeadLetterEntry) error {
	aggregate := entry.Event.AggregateType()
	target, ok := r.routes[aggregate]
	if !ok || target.ServiceName != entry.TargetService {
		target = RouteTarget{ServiceName: entry.TargetService, PathPrefix: config.DefaultRoutePathPrefix}
	}
	return r.deliver(ctx, target, aggregate, entry.Event)
}

// DLQEvents returns a copy of every queue, keyed by target service.
func (r *EventRouter) DLQEvents() map[string][]*DeadLetterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]*DeadLetterEntry, len(r.dlq))
	for target, entries := range r.dlq {
		if len(entries) == 0 {
			continue
		}
		copies := make([]*DeadLetterEntry, len(entries))
		for i, entry := range entries {
			copied := *entry
			copied.Event = entry.Event.Clone()
			copies[i] = &copied
		}
		out[target] = copies
	}
	return out
}

// DLQSize returns the queue depth for one target.
func (r *EventRouter) DLQSize(targetService string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dlq[targetService])
}

// Metrics returns the router counters and per-target queue depths.
func (r *EventRouter) Metrics() RouterMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	sizes := make(map[string]int, len(r.dlq))
	for target, entries := range r.dlq {
		if len(entries) > 0 {
			sizes[target] = len(entries)
		}
	}
	return RouterMetrics{
		EventsReceived: r.received,
		EventsRouted:   r.routed,
		DLQSizes:       sizes,
	}
}

// DLQMetricsSnapshot exposes the prometheus-backed DLQ counters for the ops
// API.
func (r *EventRouter) DLQMetricsSnapshot() DLQMetricsSnapshot {
	return r.dlqMetrics.Snapshot()
}

// BindToBus subscribes the router to "{aggregate}.*" for every route key, so
// locally published events flow to their consuming services without explicit
// forwarding calls.
func (r *EventRouter) BindToBus(bus *EventBus) error {
	if bus == nil {
		return nil
	}
	aggregates := make([]string, 0, len(r.routes))
	for aggregate := range r.routes {
		aggregates = append(aggregates, aggregate)
	}
	sort.Strings(aggregates)

	for _, aggregate := range aggregates {
		pattern := aggregate + ".*"
		if _, err := bus.Subscribe(pattern, func(ctx context.Context, evt *events.EventMessage) error {
			r.RouteEvent(ctx, evt)
			return nil
		}, WithSubscriberName("router")); err != nil {
			return err
		}
	}
	return nil
}

func (r *EventRouter) countReceived() {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	r.receivedTotal.Inc()
}

func (r *EventRouter) countRouted() {
	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
	r.routedTotal.Inc()
}

func sortedKeys(m map[string][]*DeadLetterEntry) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
