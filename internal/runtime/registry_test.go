package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonmesh/baton/internal/runtime/config"
	runtimeerrors "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/logging"
)

func newTestRegistry(t *testing.T, conf *config.Config) *ServiceRegistry {
	t.Helper()
	return NewServiceRegistry(conf, logging.NewNopServiceLogger(),
		WithRegistryRegisterer(prometheus.NewRegistry()))
}

func TestRegisterServiceValidation(t *testing.T) {
	r := newTestRegistry(t, nil)

	err := r.RegisterService(ServiceInfo{ServiceName: "svc", Endpoint: "http://x"})
	var verr *runtimeerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "service_id", verr.Field)

	err = r.RegisterService(ServiceInfo{ServiceID: "id-1", Endpoint: "http://x"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "service_name", verr.Field)

	err = r.RegisterService(ServiceInfo{ServiceID: "id-1", ServiceName: "svc"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "endpoint", verr.Field)
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "agent-1",
		ServiceName: "l02-agent-runtime",
		Endpoint:    "http://agents:8080",
	}))
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "tool-1",
		ServiceName: "l03-tool-registry",
		Endpoint:    "http://tools:8080",
	}))

	info, ok := r.GetService("agent-1")
	require.True(t, ok)
	assert.Equal(t, "l02-agent-runtime", info.ServiceName)
	assert.Equal(t, StatusUnknown, info.Status)
	assert.False(t, info.RegisteredAt.IsZero())

	info, ok = r.LookupByName("l03-tool-registry")
	require.True(t, ok)
	assert.Equal(t, "tool-1", info.ServiceID)

	_, ok = r.GetService("missing")
	assert.False(t, ok)
	_, ok = r.LookupByName("missing")
	assert.False(t, ok)

	services := r.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "agent-1", services[0].ServiceID)
	assert.Equal(t, "tool-1", services[1].ServiceID)
	assert.Equal(t, 2, r.Len())
}

func TestReregisterReplaces(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "agent-1",
		ServiceName: "l02-agent-runtime",
		Endpoint:    "http://old:8080",
	}))
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:      "agent-1",
		ServiceName:    "l02-agent-runtime",
		ServiceVersion: "2.0.0",
		Endpoint:       "http://new:8080",
	}))

	assert.Equal(t, 1, r.Len())
	info, ok := r.GetService("agent-1")
	require.True(t, ok)
	assert.Equal(t, "http://new:8080", info.Endpoint)
	assert.Equal(t, "2.0.0", info.ServiceVersion)
}

func TestDeregisterService(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "agent-1",
		ServiceName: "l02-agent-runtime",
		Endpoint:    "http://a:8080",
	}))
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "agent-2",
		ServiceName: "l02-agent-runtime",
		Endpoint:    "http://b:8080",
	}))

	// Name currently resolves to the newest instance.
	info, ok := r.LookupByName("l02-agent-runtime")
	require.True(t, ok)
	assert.Equal(t, "agent-2", info.ServiceID)

	require.NoError(t, r.DeregisterService("agent-2"))
	info, ok = r.LookupByName("l02-agent-runtime")
	require.True(t, ok, "name should remap to the surviving instance")
	assert.Equal(t, "agent-1", info.ServiceID)

	require.NoError(t, r.DeregisterService("agent-1"))
	_, ok = r.LookupByName("l02-agent-runtime")
	assert.False(t, ok)

	err := r.DeregisterService("agent-1")
	assert.True(t, errors.Is(err, runtimeerrors.ErrServiceNotRegistered))
}

func TestUpdateServiceStatus(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "plan-1",
		ServiceName: "l05-plan-service",
		Endpoint:    "http://plans:8080",
	}))

	require.NoError(t, r.UpdateServiceStatus("plan-1", StatusDegraded))
	info, _ := r.GetService("plan-1")
	assert.Equal(t, StatusDegraded, info.Status)
	assert.False(t, info.LastCheckedAt.IsZero())

	err := r.UpdateServiceStatus("nope", StatusHealthy)
	assert.True(t, errors.Is(err, runtimeerrors.ErrServiceNotRegistered))
}

func TestHealthSummary(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.RegisterService(ServiceInfo{ServiceID: "a", ServiceName: "a", Endpoint: "http://a"}))
	require.NoError(t, r.RegisterService(ServiceInfo{ServiceID: "b", ServiceName: "b", Endpoint: "http://b"}))
	require.NoError(t, r.UpdateServiceStatus("a", StatusHealthy))

	summary := r.HealthSummary()
	assert.Equal(t, 1, summary[StatusHealthy])
	assert.Equal(t, 1, summary[StatusUnknown])
}

func TestProbeLifecycle(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var degraded atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if degraded.Load() {
			w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	r := newTestRegistry(t, &config.Config{ProbeInterval: 20 * time.Millisecond})
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "probe-1",
		ServiceName: "probed",
		Endpoint:    server.URL,
		HealthCheck: HealthCheck{Kind: "http", Endpoint: "/healthz", Interval: 20 * time.Millisecond},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	waitForStatus := func(want ServiceStatus) {
		t.Helper()
		assert.Eventually(t, func() bool {
			info, ok := r.GetService("probe-1")
			return ok && info.Status == want
		}, 2*time.Second, 10*time.Millisecond, "expected status %s", want)
	}

	waitForStatus(StatusHealthy)

	degraded.Store(true)
	waitForStatus(StatusDegraded)

	healthy.Store(false)
	waitForStatus(StatusUnhealthy)

	// An unhealthy service must stay registered.
	assert.Equal(t, 1, r.Len())

	healthy.Store(true)
	degraded.Store(false)
	waitForStatus(StatusHealthy)
}

func TestProbeStartsForServicesRegisteredWhileRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := newTestRegistry(t, &config.Config{ProbeInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "late-1",
		ServiceName: "late",
		Endpoint:    server.URL,
		HealthCheck: HealthCheck{Endpoint: "/healthz"},
	}))

	assert.Eventually(t, func() bool {
		info, ok := r.GetService("late-1")
		return ok && info.Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoProbeWithoutHealthCheck(t *testing.T) {
	r := newTestRegistry(t, &config.Config{ProbeInterval: 10 * time.Millisecond})
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "silent-1",
		ServiceName: "silent",
		Endpoint:    "http://localhost:1",
	}))

	r.Start(context.Background())
	defer r.Stop()
	time.Sleep(50 * time.Millisecond)

	info, _ := r.GetService("silent-1")
	assert.Equal(t, StatusUnknown, info.Status, "unprobed services keep their registered status")
}

func TestStopHaltsProbing(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := newTestRegistry(t, &config.Config{ProbeInterval: 10 * time.Millisecond})
	require.NoError(t, r.RegisterService(ServiceInfo{
		ServiceID:   "halt-1",
		ServiceName: "halt",
		Endpoint:    server.URL,
		HealthCheck: HealthCheck{Endpoint: "/healthz"},
	}))

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return hits.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	settled := hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, hits.Load(), "no probes after Stop")
}
