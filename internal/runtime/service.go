package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	bridgepkg "github.com/batonmesh/baton/bridge"
	"github.com/batonmesh/baton/internal/runtime/config"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// Dependencies holds the optional collaborators a Core can be built with.
// Every field has a working default; leave fields zero to use it.
type Dependencies struct {
	// HTTPClient is shared by the registry health prober and the dispatcher.
	HTTPClient *http.Client

	// SubscriptionMiddlewares are appended after the default bus chain, or
	// replace it entirely when DisableDefaultMiddlewares is true.
	SubscriptionMiddlewares   []MiddlewareRegistration
	DisableDefaultMiddlewares bool

	// BridgeFactory overrides how the broker bridge is built.
	BridgeFactory BridgeFactory

	// StepHooks observe saga step execution on every saga the core runs.
	StepHooks StepHooks

	// Sleeper replaces the dispatcher's wait between retries. Swapped in tests.
	Sleeper func(ctx context.Context, d time.Duration) error

	// Registerer receives all Prometheus collectors. Defaults to the global
	// registry.
	Registerer prometheus.Registerer
}

// Core wires the service registry, breaker registry, dispatcher, saga
// orchestrator, event bus, event router, and broker bridge into one
// lifecycle. Construct it once per process and share the subsystem
// accessors.
type Core struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	registry   *ServiceRegistry
	breakers   *BreakerRegistry
	dispatcher *Dispatcher
	sagas      *SagaOrchestrator
	bus        *EventBus
	router     *EventRouter

	bridge bridgepkg.Bridge

	gatherer prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpInstances []*http.Server
	httpServersMu sync.Mutex
}

// NewCore constructs a Core for the supplied configuration, panicking on
// construction errors. Use TryNewCore when the caller wants to handle them.
func NewCore(conf *config.Config, log logging.ServiceLogger, ctx context.Context, deps Dependencies) *Core {
	c, err := TryNewCore(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return c
}

// TryNewCore constructs a Core and returns construction errors instead of
// panicking. A nil conf gets the zero config, which validates clean and
// falls back to defaults everywhere. A nil logger discards all output.
func TryNewCore(conf *config.Config, log logging.ServiceLogger, ctx context.Context, deps Dependencies) (*Core, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNopServiceLogger()
	}

	log.Info("Creating orchestration core",
		logging.LogFields{
			"service_name":  conf.ServiceName,
			"bridge_system": conf.BridgeSystem,
		})

	var (
		registryOpts []RegistryOption
		breakerOpts  []BreakerRegistryOption
		dispatchOpts []DispatcherOption
		busOpts      []BusOption
		sagaOpts     []SagaOption
		routerOpts   []RouterOption
	)

	if deps.Registerer != nil {
		registryOpts = append(registryOpts, WithRegistryRegisterer(deps.Registerer))
		breakerOpts = append(breakerOpts, WithBreakerRegisterer(deps.Registerer))
		dispatchOpts = append(dispatchOpts, WithDispatcherRegisterer(deps.Registerer))
		busOpts = append(busOpts, WithBusRegisterer(deps.Registerer))
		sagaOpts = append(sagaOpts, WithSagaRegisterer(deps.Registerer))
		routerOpts = append(routerOpts, WithRouterRegisterer(deps.Registerer))
	}
	if deps.HTTPClient != nil {
		registryOpts = append(registryOpts, WithProbeClient(deps.HTTPClient))
		dispatchOpts = append(dispatchOpts, WithDispatchClient(deps.HTTPClient))
	}

	if deps.DisableDefaultMiddlewares {
		busOpts = append(busOpts, WithBusMiddlewares(deps.SubscriptionMiddlewares...))
	} else if len(deps.SubscriptionMiddlewares) > 0 {
		regs := append(DefaultSubscriptionMiddlewares(), deps.SubscriptionMiddlewares...)
		busOpts = append(busOpts, WithBusMiddlewares(regs...))
	}

	registry := NewServiceRegistry(conf, log, registryOpts...)
	breakers := NewBreakerRegistry(conf, log, breakerOpts...)
	dispatcher := NewDispatcher(conf, registry, breakers, log, dispatchOpts...)
	if deps.Sleeper != nil {
		dispatcher.sleep = deps.Sleeper
	}

	bus, err := NewEventBus(conf, log, busOpts...)
	if err != nil {
		return nil, err
	}

	sagaOpts = append(sagaOpts, WithLifecycleBus(bus), WithStepHooks(deps.StepHooks))
	sagas := NewSagaOrchestrator(conf, dispatcher, log, sagaOpts...)
	router := NewEventRouter(conf, dispatcher, log, routerOpts...)

	c := &Core{
		Conf:       conf,
		Logger:     log,
		registry:   registry,
		breakers:   breakers,
		dispatcher: dispatcher,
		sagas:      sagas,
		bus:        bus,
		router:     router,
		gatherer:   gathererFor(deps.Registerer),
	}

	factory := deps.BridgeFactory
	if factory == nil {
		factory = DefaultBridgeFactory()
	}
	bridge, err := factory.Build(ctx, conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("building bridge: %w", err)
	}
	c.bridge = bridge
	if bridge.Publisher != nil {
		bus.SetMirror(bridge.Publisher)
	}

	return c, nil
}

// gathererFor exposes a custom registry on /metrics when it can gather.
// Registerers that are not also Gatherers fall back to the global one.
func gathererFor(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Start runs the core until ctx is cancelled: health probes, the bridge
// ingest pump, the router's bus subscriptions, and the ops HTTP server.
// On cancellation it stops probing, closes the bus and bridge, and shuts
// the HTTP servers down before returning.
func (c *Core) Start(ctx context.Context) error {
	c.registry.Start(ctx)

	if c.bridge.Subscriber != nil {
		topic := c.Conf.BridgeIngestTopic
		if topic == "" {
			topic = config.DefaultBridgeIngestTopic
		}
		if err := startBridgeIngest(ctx, c.bridge.Subscriber, topic, c.bus, c.Logger); err != nil {
			return err
		}
	}

	if err := c.router.BindToBus(c.bus); err != nil {
		return err
	}

	c.mountOpsServer()
	c.startHTTPServers()

	<-ctx.Done()
	c.shutdown()
	return nil
}

// shutdown stops inflow before the bus so in-flight deliveries drain: probes
// first, then the bridge subscriber, the bus workers, the bridge publisher,
// and finally the HTTP listeners.
func (c *Core) shutdown() {
	c.registry.Stop()

	if c.bridge.Subscriber != nil {
		if err := c.bridge.Subscriber.Close(); err != nil {
			c.Logger.Error("Closing bridge subscriber", err, nil)
		}
	}
	if err := c.bus.Close(); err != nil {
		c.Logger.Error("Closing event bus", err, nil)
	}
	if c.bridge.Publisher != nil {
		if err := c.bridge.Publisher.Close(); err != nil {
			c.Logger.Error("Closing bridge publisher", err, nil)
		}
	}

	c.stopHTTPServers()
}

// Registry returns the shared service registry.
func (c *Core) Registry() *ServiceRegistry { return c.registry }

// Breakers returns the shared circuit breaker registry.
func (c *Core) Breakers() *BreakerRegistry { return c.breakers }

// Dispatcher returns the protected outbound HTTP dispatcher.
func (c *Core) Dispatcher() *Dispatcher { return c.dispatcher }

// Sagas returns the saga orchestrator.
func (c *Core) Sagas() *SagaOrchestrator { return c.sagas }

// Bus returns the in-process event bus.
func (c *Core) Bus() *EventBus { return c.bus }

// Router returns the event router.
func (c *Core) Router() *EventRouter { return c.router }

// Bridge returns the broker bridge the core was built with. Both sides are
// nil when no bridge is configured.
func (c *Core) Bridge() bridgepkg.Bridge { return c.bridge }

// RegisterHTTPHandler mounts a handler on the mux for the given port. All
// handlers registered for one port share a listener, started by Start.
func (c *Core) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	if c.httpServers == nil {
		c.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := c.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (c *Core) startHTTPServers() {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	for port, mux := range c.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux}
		c.httpInstances = append(c.httpInstances, srv)
		c.Logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !sterrors.Is(err, http.ErrServerClosed) {
				c.Logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (c *Core) stopHTTPServers() {
	c.httpServersMu.Lock()
	servers := c.httpInstances
	c.httpInstances = nil
	c.httpServersMu.Unlock()

	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.Logger.Error("Stopping HTTP server", err, logging.LogFields{"address": srv.Addr})
		}
		cancel()
	}
}
