package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

// ServiceStatus is the registry's view of a service's health.
type ServiceStatus string

const (
	StatusUnknown   ServiceStatus = "unknown"
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
)

var serviceStatuses = []ServiceStatus{StatusUnknown, StatusHealthy, StatusDegraded, StatusUnhealthy}

// HealthCheck describes how a registered service is probed. Kind "http"
// (or empty) issues GET requests against Endpoint; Endpoint may be a path
// relative to the service endpoint or an absolute URL. A zero Interval
// falls back to the registry default, and an empty Endpoint disables
// probing for the service.
type HealthCheck struct {
	Kind     string        `json:"kind,omitempty"`
	Endpoint string        `json:"endpoint,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// ServiceInfo is a service registration.
type ServiceInfo struct {
	ServiceID      string        `json:"service_id"`
	ServiceName    string        `json:"service_name"`
	ServiceVersion string        `json:"service_version,omitempty"`
	Endpoint       string        `json:"endpoint"`
	Status         ServiceStatus `json:"status"`
	HealthCheck    HealthCheck   `json:"health_check,omitempty"`
	Capabilities   []string      `json:"capabilities,omitempty"`
	RegisteredAt   time.Time     `json:"registered_at"`
	LastCheckedAt  time.Time     `json:"last_checked_at,omitempty"`
}

type serviceEntry struct {
	info   ServiceInfo
	cancel context.CancelFunc
}

// ServiceRegistry tracks the services of the mesh and probes their health
// endpoints. A probe failure only flips the status to unhealthy, it never
// removes the registration.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	byName   map[string]string

	client        *http.Client
	logger        logging.ServiceLogger
	probeInterval time.Duration
	probeTimeout  time.Duration

	running bool
	baseCtx context.Context
	wg      sync.WaitGroup

	statusGauge *prometheus.GaugeVec
	probesTotal *prometheus.CounterVec
}

// RegistryOption customizes a ServiceRegistry.
type RegistryOption func(*ServiceRegistry)

// WithProbeClient replaces the HTTP client used for health probes.
func WithProbeClient(client *http.Client) RegistryOption {
	return func(r *ServiceRegistry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithRegistryRegisterer sets the Prometheus registerer for registry metrics.
func WithRegistryRegisterer(reg prometheus.Registerer) RegistryOption {
	return func(r *ServiceRegistry) {
		if reg != nil {
			r.registerMetrics(reg)
		}
	}
}

// NewServiceRegistry creates an empty registry. Probing starts with Start.
func NewServiceRegistry(conf *config.Config, logger logging.ServiceLogger, opts ...RegistryOption) *ServiceRegistry {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	probeInterval := config.DefaultProbeInterval
	probeTimeout := config.DefaultProbeTimeout
	if conf != nil {
		if conf.ProbeInterval > 0 {
			probeInterval = conf.ProbeInterval
		}
		if conf.ProbeTimeout > 0 {
			probeTimeout = conf.ProbeTimeout
		}
	}

	r := &ServiceRegistry{
		services:      map[string]*serviceEntry{},
		byName:        map[string]string{},
		client:        &http.Client{Timeout: probeTimeout},
		logger:        logger.With(logging.LogFields{"component": "registry"}),
		probeInterval: probeInterval,
		probeTimeout:  probeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.statusGauge == nil {
		r.registerMetrics(prometheus.DefaultRegisterer)
	}
	return r
}

func (r *ServiceRegistry) registerMetrics(reg prometheus.Registerer) {
	r.statusGauge = registerCollector(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "services",
		Help:      "Registered services by health status.",
	}, []string{"status"}))
	r.probesTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "probes_total",
		Help:      "Health probe results by outcome.",
	}, []string{"outcome"}))
}

// RegisterService adds or replaces a registration. Re-registering an
// existing ServiceID replaces the record and restarts its probe loop.
func (r *ServiceRegistry) RegisterService(info ServiceInfo) error {
	if strings.TrimSpace(info.ServiceID) == "" {
		return &errspkg.ValidationError{Field: "service_id", Reason: "service id must not be empty"}
	}
	if strings.TrimSpace(info.ServiceName) == "" {
		return &errspkg.ValidationError{Field: "service_name", Reason: "service name must not be empty"}
	}
	if strings.TrimSpace(info.Endpoint) == "" {
		return &errspkg.ValidationError{Field: "endpoint", Reason: "endpoint must not be empty"}
	}
	if info.Status == "" {
		info.Status = StatusUnknown
	}
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now().UTC()
	}

	r.mu.Lock()
	if existing, ok := r.services[info.ServiceID]; ok && existing.cancel != nil {
		existing.cancel()
	}
	entry := &serviceEntry{info: info}
	r.services[info.ServiceID] = entry
	r.byName[info.ServiceName] = info.ServiceID
	if r.running {
		r.startProbeLocked(entry)
	}
	r.updateStatusGaugeLocked()
	r.mu.Unlock()

	r.logger.Info("service registered", logging.LogFields{
		"service_id":   info.ServiceID,
		"service_name": info.ServiceName,
		"endpoint":     info.Endpoint,
	})
	return nil
}

// DeregisterService removes a registration and stops its probe loop.
func (r *ServiceRegistry) DeregisterService(serviceID string) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrServiceNotRegistered, serviceID)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(r.services, serviceID)
	if r.byName[entry.info.ServiceName] == serviceID {
		delete(r.byName, entry.info.ServiceName)
		// Remap the name to another instance if one is still registered.
		for id, other := range r.services {
			if other.info.ServiceName == entry.info.ServiceName {
				r.byName[entry.info.ServiceName] = id
				break
			}
		}
	}
	r.updateStatusGaugeLocked()
	r.mu.Unlock()

	r.logger.Info("service deregistered", logging.LogFields{"service_id": serviceID})
	return nil
}

// GetService returns a registration by ServiceID.
func (r *ServiceRegistry) GetService(serviceID string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return ServiceInfo{}, false
	}
	return entry.info, true
}

// LookupByName returns a registration by service name. When several
// instances share a name the most recently registered one wins.
func (r *ServiceRegistry) LookupByName(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return ServiceInfo{}, false
	}
	entry, ok := r.services[id]
	if !ok {
		return ServiceInfo{}, false
	}
	return entry.info, true
}

// Services returns a snapshot of all registrations sorted by ServiceID.
func (r *ServiceRegistry) Services() []ServiceInfo {
	r.mu.RLock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, entry.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// Len returns the number of registrations.
func (r *ServiceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// HealthSummary counts registrations per status.
func (r *ServiceRegistry) HealthSummary() map[ServiceStatus]int {
	summary := map[ServiceStatus]int{}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.services {
		summary[entry.info.Status]++
	}
	return summary
}

// UpdateServiceStatus overrides a service status by hand, for setups that
// run without probing.
func (r *ServiceRegistry) UpdateServiceStatus(serviceID string, status ServiceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceNotRegistered, serviceID)
	}
	entry.info.Status = status
	entry.info.LastCheckedAt = time.Now().UTC()
	r.updateStatusGaugeLocked()
	return nil
}

// Start launches the probe loops. Probes stop when ctx is canceled or
// Stop is called.
func (r *ServiceRegistry) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.baseCtx = ctx
	for _, entry := range r.services {
		r.startProbeLocked(entry)
	}
	r.mu.Unlock()
}

// Stop cancels all probe loops and waits for them to exit.
func (r *ServiceRegistry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for _, entry := range r.services {
		if entry.cancel != nil {
			entry.cancel()
			entry.cancel = nil
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// startProbeLocked launches the probe goroutine for one entry. Caller
// holds r.mu.
func (r *ServiceRegistry) startProbeLocked(entry *serviceEntry) {
	hc := entry.info.HealthCheck
	if hc.Endpoint == "" {
		return
	}
	if hc.Kind != "" && !strings.EqualFold(hc.Kind, "http") {
		r.logger.Info("skipping probe for unsupported health check kind", logging.LogFields{
			"service_id": entry.info.ServiceID,
			"kind":       hc.Kind,
		})
		return
	}

	interval := hc.Interval
	if interval <= 0 {
		interval = r.probeInterval
	}
	probeCtx, cancel := context.WithCancel(r.baseCtx)
	entry.cancel = cancel
	serviceID := entry.info.ServiceID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.probeOnce(probeCtx, serviceID)
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				r.probeOnce(probeCtx, serviceID)
			}
		}
	}()
}

func (r *ServiceRegistry) probeOnce(ctx context.Context, serviceID string) {
	r.mu.RLock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	info := entry.info
	r.mu.RUnlock()

	status := r.probeService(ctx, info)
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	entry, ok = r.services[serviceID]
	if ok {
		if entry.info.Status != status {
			r.logger.Info("service status changed", logging.LogFields{
				"service_id": serviceID,
				"from":       string(entry.info.Status),
				"to":         string(status),
			})
		}
		entry.info.Status = status
		entry.info.LastCheckedAt = time.Now().UTC()
		r.updateStatusGaugeLocked()
	}
	r.mu.Unlock()
	r.probesTotal.WithLabelValues(string(status)).Inc()
}

// probeService issues a single GET against the health endpoint. A 2xx
// response means healthy unless the body declares {"status":"degraded"};
// everything else, including transport errors, means unhealthy.
func (r *ServiceRegistry) probeService(ctx context.Context, info ServiceInfo) ServiceStatus {
	url := info.HealthCheck.Endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = strings.TrimRight(info.Endpoint, "/") + "/" + strings.TrimLeft(url, "/")
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		r.logger.Debug("health probe request invalid", logging.LogFields{
			"service_id": info.ServiceID,
			"url":        url,
			"error":      err.Error(),
		})
		return StatusUnhealthy
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("health probe failed", logging.LogFields{
			"service_id": info.ServiceID,
			"url":        url,
			"error":      err.Error(),
		})
		return StatusUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("health probe returned non-2xx", logging.LogFields{
			"service_id": info.ServiceID,
			"status":     resp.StatusCode,
		})
		return StatusUnhealthy
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err == nil && len(body) > 0 {
		var report struct {
			Status string `json:"status"`
		}
		if jsoncodec.Unmarshal(body, &report) == nil && strings.EqualFold(report.Status, "degraded") {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// updateStatusGaugeLocked recomputes the per-status gauge. Caller holds r.mu.
func (r *ServiceRegistry) updateStatusGaugeLocked() {
	counts := map[ServiceStatus]int{}
	for _, entry := range r.services {
		counts[entry.info.Status]++
	}
	for _, status := range serviceStatuses {
		r.statusGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
