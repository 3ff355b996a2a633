package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// BreakerState mirrors the three circuit states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

func stateFromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerMetrics is a snapshot of one breaker.
type BreakerMetrics struct {
	Name              string        `json:"name"`
	State             BreakerState  `json:"state"`
	FailureCount      uint64        `json:"failure_count"`
	SuccessCount      uint64        `json:"success_count"`
	FailureThreshold  uint32        `json:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	LastFailureAt     time.Time     `json:"last_failure_at,omitempty"`
	LastStateChangeAt time.Time     `json:"last_state_change_at,omitempty"`
}

// StateChangeHook observes circuit transitions. It runs on the goroutine
// that triggered the transition while the underlying breaker is locked, so
// it must not call back into the Breaker.
type StateChangeHook func(name string, from, to BreakerState)

type breakerSettings struct {
	failureThreshold uint32
	recoveryTimeout  time.Duration
	hooks            []StateChangeHook
}

// BreakerOption tunes a single breaker.
type BreakerOption func(*breakerSettings)

// WithFailureThreshold sets how many recorded failures open the circuit.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(s *breakerSettings) {
		if n > 0 {
			s.failureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before a
// half-open probe is admitted.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(s *breakerSettings) {
		if d > 0 {
			s.recoveryTimeout = d
		}
	}
}

// WithStateChangeHook adds a transition observer.
func WithStateChangeHook(hook StateChangeHook) BreakerOption {
	return func(s *breakerSettings) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// admission is one Allow grant awaiting its outcome. It settles at most
// once, whether through the returned done func or through a standalone
// RecordSuccess/RecordFailure.
type admission struct {
	breaker *Breaker
	done    func(success bool)

	mu      sync.Mutex
	settled bool
}

func (a *admission) settle(success bool) {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return
	}
	a.settled = true
	a.mu.Unlock()

	a.done(success)
	a.breaker.recordOutcome(success)
	a.breaker.removePending(a)
}

// Breaker protects one downstream service. It wraps a two-step gobreaker
// so admission and outcome can be reported separately, and keeps its own
// cumulative counters because gobreaker clears its counts on every state
// transition.
type Breaker struct {
	name   string
	cb     *gobreaker.TwoStepCircuitBreaker
	logger logging.ServiceLogger
	hooks  []StateChangeHook

	mu                sync.Mutex
	pending           []*admission
	successCount      uint64
	failureCount      uint64
	failureThreshold  uint32
	recoveryTimeout   time.Duration
	lastFailureAt     time.Time
	lastStateChangeAt time.Time
}

// NewBreaker creates a closed breaker named after the service it guards.
func NewBreaker(name string, logger logging.ServiceLogger, opts ...BreakerOption) *Breaker {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	settings := breakerSettings{
		failureThreshold: config.DefaultBreakerFailureThreshold,
		recoveryTimeout:  config.DefaultBreakerRecoveryTimeout,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	b := &Breaker{
		name:             name,
		logger:           logger.With(logging.LogFields{"breaker": name}),
		hooks:            settings.hooks,
		failureThreshold: settings.failureThreshold,
		recoveryTimeout:  settings.recoveryTimeout,
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= settings.failureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	return b
}

// Name returns the service name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current circuit state. Reading the state also performs
// the open to half-open transition once the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	return stateFromGobreaker(b.cb.State())
}

// Allow asks for admission. When the call is admitted it returns a done
// func that must be called exactly once with the outcome. When the circuit
// is open, or a half-open probe is already in flight, it returns a
// CircuitOpenError and no network attempt may be made.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, &errspkg.CircuitOpenError{
			Service: b.name,
			State:   string(b.State()),
			Cause:   err,
		}
	}

	a := &admission{breaker: b, done: done}
	b.mu.Lock()
	b.pending = append(b.pending, a)
	b.mu.Unlock()
	return a.settle, nil
}

// RecordSuccess reports a successful call. It completes the oldest pending
// admission if one exists, otherwise it runs a fresh admission so the
// underlying breaker sees the outcome. In half-open state a success closes
// the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	if a := b.popPending(); a != nil {
		a.settle(true)
		return
	}
	if done, err := b.cb.Allow(); err == nil {
		done(true)
	}
	b.recordOutcome(true)
}

// RecordFailure reports a failed call. In closed state it counts toward
// the failure threshold; in half-open state it reopens the circuit. While
// the circuit is open only the cumulative counter moves.
func (b *Breaker) RecordFailure() {
	if a := b.popPending(); a != nil {
		a.settle(false)
		return
	}
	if done, err := b.cb.Allow(); err == nil {
		done(false)
	}
	b.recordOutcome(false)
}

// Metrics returns a snapshot of the breaker.
func (b *Breaker) Metrics() BreakerMetrics {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		Name:              b.name,
		State:             state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		FailureThreshold:  b.failureThreshold,
		RecoveryTimeout:   b.recoveryTimeout,
		LastFailureAt:     b.lastFailureAt,
		LastStateChangeAt: b.lastStateChangeAt,
	}
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	if success {
		b.successCount++
	} else {
		b.failureCount++
		b.lastFailureAt = time.Now().UTC()
	}
	b.mu.Unlock()
}

func (b *Breaker) popPending() *admission {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	a := b.pending[0]
	b.pending = b.pending[1:]
	return a
}

func (b *Breaker) removePending(target *admission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range b.pending {
		if a == target {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

// onStateChange runs inside the gobreaker lock. It must not call any
// method on b.cb.
func (b *Breaker) onStateChange(from, to gobreaker.State) {
	fromState := stateFromGobreaker(from)
	toState := stateFromGobreaker(to)

	b.mu.Lock()
	b.lastStateChangeAt = time.Now().UTC()
	if toState == BreakerClosed {
		b.failureCount = 0
	}
	b.mu.Unlock()

	b.logger.Info("circuit state changed", logging.LogFields{
		"from": string(fromState),
		"to":   string(toState),
	})
	for _, hook := range b.hooks {
		hook(b.name, fromState, toState)
	}
}

// BreakerRegistry lazily creates one breaker per downstream service.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	logger   logging.ServiceLogger
	defaults []BreakerOption

	transitions *prometheus.CounterVec
	stateGauge  *prometheus.GaugeVec
}

// BreakerRegistryOption customizes a BreakerRegistry.
type BreakerRegistryOption func(*BreakerRegistry)

// WithBreakerDefaults appends options applied to every created breaker.
func WithBreakerDefaults(opts ...BreakerOption) BreakerRegistryOption {
	return func(r *BreakerRegistry) {
		r.defaults = append(r.defaults, opts...)
	}
}

// WithBreakerRegisterer sets the Prometheus registerer for breaker metrics.
func WithBreakerRegisterer(reg prometheus.Registerer) BreakerRegistryOption {
	return func(r *BreakerRegistry) {
		if reg != nil {
			r.registerMetrics(reg)
		}
	}
}

// NewBreakerRegistry creates a registry whose breakers default to the
// configured threshold and recovery timeout.
func NewBreakerRegistry(conf *config.Config, logger logging.ServiceLogger, opts ...BreakerRegistryOption) *BreakerRegistry {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	var defaults []BreakerOption
	if conf != nil {
		if conf.BreakerFailureThreshold > 0 {
			defaults = append(defaults, WithFailureThreshold(conf.BreakerFailureThreshold))
		}
		if conf.BreakerRecoveryTimeout > 0 {
			defaults = append(defaults, WithRecoveryTimeout(conf.BreakerRecoveryTimeout))
		}
	}

	r := &BreakerRegistry{
		breakers: map[string]*Breaker{},
		logger:   logger,
		defaults: defaults,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.transitions == nil {
		r.registerMetrics(prometheus.DefaultRegisterer)
	}
	return r
}

func (r *BreakerRegistry) registerMetrics(reg prometheus.Registerer) {
	r.transitions = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit state transitions by breaker and new state.",
	}, []string{"breaker", "to"}))
	r.stateGauge = registerCollector(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current circuit state per breaker (0 closed, 1 half-open, 2 open).",
	}, []string{"breaker"}))
}

// GetOrCreate returns the breaker for a service, creating it on first use.
// Options are only applied at creation time.
func (r *BreakerRegistry) GetOrCreate(name string, opts ...BreakerOption) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	merged := make([]BreakerOption, 0, len(r.defaults)+len(opts)+1)
	merged = append(merged, r.defaults...)
	merged = append(merged, opts...)
	merged = append(merged, WithStateChangeHook(r.observeTransition))

	b = NewBreaker(name, r.logger, merged...)
	r.breakers[name] = b
	r.stateGauge.WithLabelValues(name).Set(0)
	return b
}

func (r *BreakerRegistry) observeTransition(name string, _, to BreakerState) {
	r.transitions.WithLabelValues(name, string(to)).Inc()
	var level float64
	switch to {
	case BreakerHalfOpen:
		level = 1
	case BreakerOpen:
		level = 2
	}
	r.stateGauge.WithLabelValues(name).Set(level)
}

// Get returns an existing breaker without creating one.
func (r *BreakerRegistry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns the breaker names sorted alphabetically.
func (r *BreakerRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// AllMetrics snapshots every breaker keyed by name.
func (r *BreakerRegistry) AllMetrics() map[string]BreakerMetrics {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]BreakerMetrics, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.Metrics()
	}
	return out
}
