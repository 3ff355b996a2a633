package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// maxErrorBodyBytes caps how much of a non-2xx response body is copied into
// the error message.
const maxErrorBodyBytes = 2048

const (
	dispatchOutcomeSuccess = "success"
	dispatchOutcomeFailure = "failure"
	dispatchOutcomeDenied  = "denied"
)

// Dispatcher issues outbound HTTP requests to registered services, guarded
// by a per-service circuit breaker and retried with exponential backoff.
type Dispatcher struct {
	registry *ServiceRegistry
	breakers *BreakerRegistry
	client   *http.Client
	logger   logging.ServiceLogger
	tracer   trace.Tracer

	defaultTimeout    time.Duration
	defaultMaxRetries int

	backoffInitial       time.Duration
	backoffMax           time.Duration
	backoffMultiplier    float64
	backoffRandomization float64

	mu        sync.Mutex
	stats     map[string]*TargetStats
	resources *resourceTracker

	// sleep waits between retries. Swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchClient replaces the HTTP client used for outbound requests.
func WithDispatchClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDispatcherRegisterer sets the Prometheus registerer for dispatch
// metrics.
func WithDispatcherRegisterer(reg prometheus.Registerer) DispatcherOption {
	return func(d *Dispatcher) {
		if reg != nil {
			d.registerMetrics(reg)
		}
	}
}

// NewDispatcher wires a dispatcher against the given registry and breaker
// registry. Retry and backoff tuning comes from conf, falling back to the
// package defaults.
func NewDispatcher(conf *config.Config, registry *ServiceRegistry, breakers *BreakerRegistry, logger logging.ServiceLogger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	d := &Dispatcher{
		registry:             registry,
		breakers:             breakers,
		logger:               logger.With(logging.LogFields{"component": "dispatch"}),
		tracer:               otel.Tracer("baton-dispatcher"),
		defaultTimeout:       config.DefaultDispatchTimeout,
		defaultMaxRetries:    config.DefaultDispatchMaxRetries,
		backoffInitial:       config.DefaultBackoffInitialInterval,
		backoffMax:           config.DefaultBackoffMaxInterval,
		backoffMultiplier:    config.DefaultBackoffMultiplier,
		backoffRandomization: config.DefaultBackoffRandomization,
		stats:                map[string]*TargetStats{},
		resources:            newResourceTracker(),
		sleep:                sleepContext,
	}
	if conf != nil {
		if conf.DispatchTimeout > 0 {
			d.defaultTimeout = conf.DispatchTimeout
		}
		if conf.DispatchMaxRetries > 0 {
			d.defaultMaxRetries = conf.DispatchMaxRetries
		}
		if conf.BackoffInitialInterval > 0 {
			d.backoffInitial = conf.BackoffInitialInterval
		}
		if conf.BackoffMaxInterval > 0 {
			d.backoffMax = conf.BackoffMaxInterval
		}
		if conf.BackoffMultiplier > 1 {
			d.backoffMultiplier = conf.BackoffMultiplier
		}
		if conf.BackoffRandomization >= 0 {
			d.backoffRandomization = conf.BackoffRandomization
		}
	}
	d.client = &http.Client{Timeout: d.defaultTimeout}

	for _, opt := range opts {
		opt(d)
	}
	if d.requestsTotal == nil {
		d.registerMetrics(prometheus.DefaultRegisterer)
	}
	return d
}

func (d *Dispatcher) registerMetrics(reg prometheus.Registerer) {
	d.requestsTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Outbound request attempts by service and outcome.",
	}, []string{"service", "outcome"}))
	d.requestDuration = registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Outbound request attempt latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"}))
	d.retriesTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "Retry attempts by service.",
	}, []string{"service"}))
}

type callOptions struct {
	timeout       time.Duration
	maxRetries    int
	maxRetriesSet bool
	method        string
	headers       map[string]string
}

// CallOption tunes a single Call.
type CallOption func(*callOptions)

// WithTimeout bounds each request attempt. Zero or negative keeps the
// dispatcher default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries overrides how many retries follow the first attempt.
// WithMaxRetries(0) disables retries for this call.
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.maxRetries = n
			o.maxRetriesSet = true
		}
	}
}

// WithMethod overrides the HTTP method, which defaults to POST.
func WithMethod(method string) CallOption {
	return func(o *callOptions) {
		if method != "" {
			o.method = method
		}
	}
}

// WithHeader adds a request header to every attempt of this call.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if key == "" {
			return
		}
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// Call resolves serviceName in the registry and POSTs the JSON-encoded
// payload to {service.Endpoint}{endpoint}. Attempts pass through the
// service's circuit breaker; failed attempts are retried with exponential
// backoff up to the retry budget. The decoded JSON response body is returned
// on success.
//
// An unregistered service yields a *ValidationError, a breaker denial a
// *CircuitOpenError, and an exhausted retry budget a *ConnectivityError. A
// service whose health probe marked it unhealthy is still attempted, the
// breaker is the sole gatekeeper.
func (d *Dispatcher) Call(ctx context.Context, serviceName, endpoint string, payload any, opts ...CallOption) (map[string]any, error) {
	options := callOptions{
		timeout: d.defaultTimeout,
		method:  http.MethodPost,
	}
	for _, opt := range opts {
		opt(&options)
	}
	maxRetries := d.defaultMaxRetries
	if options.maxRetriesSet {
		maxRetries = options.maxRetries
	}

	info, ok := d.registry.LookupByName(serviceName)
	if !ok {
		return nil, &errspkg.ValidationError{
			Field:  "service",
			Reason: fmt.Sprintf("service %q is not registered", serviceName),
			Cause:  errspkg.ErrServiceNotRegistered,
		}
	}

	body, err := encodePayload(payload)
	if err != nil {
		return nil, &errspkg.ValidationError{Field: "payload", Reason: "payload is not JSON-encodable", Cause: err}
	}

	ctx, span := d.tracer.Start(ctx, "baton.dispatch.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("baton.service", serviceName),
		attribute.String("baton.endpoint", endpoint),
		attribute.String("baton.method", options.method),
	)

	breaker := d.breakers.GetOrCreate(serviceName)
	stats := d.statsFor(serviceName)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.backoffInitial
	bo.MaxInterval = d.backoffMax
	bo.Multiplier = d.backoffMultiplier
	bo.RandomizationFactor = d.backoffRandomization

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		done, allowErr := breaker.Allow()
		if allowErr != nil {
			stats.recordDenied(allowErr)
			d.requestsTotal.WithLabelValues(serviceName, dispatchOutcomeDenied).Inc()
			span.RecordError(allowErr)
			d.logger.Debug("dispatch denied by breaker", logging.LogFields{
				"service": serviceName,
				"state":   string(breaker.State()),
			})
			return nil, allowErr
		}

		attempts++
		stats.onRequestStart()
		started := time.Now()
		result, attemptErr := d.attempt(ctx, info, endpoint, body, options)
		elapsed := time.Since(started)
		stats.onRequestFinish(elapsed, attemptErr, nil)
		d.requestDuration.WithLabelValues(serviceName).Observe(elapsed.Seconds())

		if attemptErr == nil {
			done(true)
			d.requestsTotal.WithLabelValues(serviceName, dispatchOutcomeSuccess).Inc()
			return result, nil
		}

		done(false)
		lastErr = attemptErr
		d.requestsTotal.WithLabelValues(serviceName, dispatchOutcomeFailure).Inc()
		d.logger.Debug("dispatch attempt failed", logging.LogFields{
			"service":  serviceName,
			"endpoint": endpoint,
			"attempt":  attempts,
			"error":    attemptErr.Error(),
		})

		if attempt < maxRetries {
			d.retriesTotal.WithLabelValues(serviceName).Inc()
			if sleepErr := d.sleep(ctx, bo.NextBackOff()); sleepErr != nil {
				break
			}
		}
	}

	connErr := &errspkg.ConnectivityError{
		Service:  serviceName,
		Endpoint: endpoint,
		Attempts: attempts,
		Cause:    lastErr,
	}
	span.RecordError(connErr)
	d.logger.Error("dispatch exhausted retries", connErr, logging.LogFields{
		"service":  serviceName,
		"endpoint": endpoint,
		"attempts": attempts,
	})
	return nil, connErr
}

func (d *Dispatcher) attempt(ctx context.Context, info ServiceInfo, endpoint string, body []byte, options callOptions) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, options.method, joinURL(info.Endpoint, endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "baton")
	for key, value := range options.headers {
		req.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("%s returned status %d: %s", info.ServiceName, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return jsoncodec.DecodeMap(responseBody)
}

// Stats returns per-service request telemetry sorted by service name.
func (d *Dispatcher) Stats() []TargetInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]TargetInfo, 0, len(d.stats))
	for name, stats := range d.stats {
		out = append(out, TargetInfo{Service: name, Stats: stats})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (d *Dispatcher) statsFor(service string) *TargetStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats, ok := d.stats[service]
	if !ok {
		stats = newTargetStats(service, d.resources)
		d.stats[service] = stats
	}
	return stats
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return jsoncodec.Marshal(payload)
}

func joinURL(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
