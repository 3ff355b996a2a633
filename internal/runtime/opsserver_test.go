package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/batonmesh/baton/internal/runtime/config"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
)

func opsRequest(t *testing.T, core *Core, port int, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	mux := core.httpServers[port]
	if mux == nil {
		t.Fatalf("no mux registered on port %d", port)
	}
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestMountOpsServerDisabled(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, nil, Dependencies{})
	core.mountOpsServer()

	if len(core.httpServers) != 0 {
		t.Fatalf("expected no handlers when the ops server is disabled, got %d muxes", len(core.httpServers))
	}
}

func TestMountOpsServerPortFallback(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, &config.Config{OpsServerEnabled: true}, Dependencies{})
	core.mountOpsServer()

	if core.httpServers[config.DefaultOpsPort] == nil {
		t.Fatalf("expected handlers on default port %d", config.DefaultOpsPort)
	}
}

func TestOpsServicesEndpoint(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9400}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	if err := core.Registry().RegisterService(ServiceInfo{
		ServiceID:   "billing-1",
		ServiceName: "billing",
		Endpoint:    "http://localhost:7001",
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	rec := opsRequest(t, core, 9400, http.MethodGet, "/api/services", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var payload struct {
		Services []ServiceInfo         `json:"services"`
		Summary  map[ServiceStatus]int `json:"summary"`
	}
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Services) != 1 || payload.Services[0].ServiceName != "billing" {
		t.Fatalf("services = %+v", payload.Services)
	}
	if payload.Summary[StatusUnknown] != 1 {
		t.Fatalf("summary = %v, want one unknown service", payload.Summary)
	}
}

func TestOpsSagasEndpointStatusFilter(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9401}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	ok := SagaDefinition{
		SagaID: "ok",
		Name:   "OK",
		Steps: []SagaStep{{
			StepID: "s1",
			Name:   "s1",
			Action: func(_ context.Context, sc SagaContext) (SagaContext, error) { return sc, nil },
		}},
	}
	bad := SagaDefinition{
		SagaID: "bad",
		Name:   "Bad",
		Steps: []SagaStep{{
			StepID:   "s1",
			Name:     "s1",
			Required: true,
			Action: func(context.Context, SagaContext) (SagaContext, error) {
				return nil, errors.New("boom")
			},
		}},
	}
	if _, err := core.Sagas().ExecuteSaga(context.Background(), ok, nil); err != nil {
		t.Fatalf("ExecuteSaga(ok): %v", err)
	}
	if _, err := core.Sagas().ExecuteSaga(context.Background(), bad, nil); err == nil {
		t.Fatal("expected failing saga to report an error")
	}

	rec := opsRequest(t, core, 9401, http.MethodGet, "/api/sagas?status=completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var completed []SagaExecution
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &completed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(completed) != 1 || completed[0].SagaID != "ok" {
		t.Fatalf("completed = %+v, want the ok saga only", completed)
	}

	rec = opsRequest(t, core, 9401, http.MethodGet, "/api/sagas?status=completed,failed", nil)
	var both []SagaExecution
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &both); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("len = %d, want both executions", len(both))
	}
}

func TestOpsStatsEndpoint(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9402}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9402, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats map[string]any
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"services", "dispatch", "subscriptions", "router", "sagas", "saga_health"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("stats missing %q: %v", key, stats)
		}
	}
}

func TestOpsDLQEndpoint(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9403}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9403, http.MethodGet, "/api/dlq", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		Entries  map[string][]DeadLetterEntry `json:"entries"`
		Snapshot DLQMetricsSnapshot           `json:"snapshot"`
	}
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Entries) != 0 {
		t.Fatalf("entries = %v, want empty DLQ", payload.Entries)
	}
}

func TestOpsMetricsEndpoint(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9404, MetricsEnabled: true}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9404, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected prometheus exposition output")
	}
}

func TestOpsCORS(t *testing.T) {
	t.Parallel()

	conf := &config.Config{
		OpsServerEnabled:      true,
		OpsPort:               9405,
		OpsCORSAllowedOrigins: []string{"https://ops.example.com"},
	}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9405, http.MethodGet, "/api/services", map[string]string{
		"Origin": "https://ops.example.com",
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	rec = opsRequest(t, core, 9405, http.MethodGet, "/api/services", map[string]string{
		"Origin": "https://elsewhere.example.com",
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow origin = %q, want unset for unlisted origin", got)
	}

	rec = opsRequest(t, core, 9405, http.MethodOptions, "/api/services", map[string]string{
		"Origin": "https://ops.example.com",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
}

func TestOpsCORSWildcard(t *testing.T) {
	t.Parallel()

	conf := &config.Config{
		OpsServerEnabled:      true,
		OpsPort:               9406,
		OpsCORSAllowedOrigins: []string{"*"},
	}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9406, http.MethodGet, "/api/breakers", map[string]string{
		"Origin": "https://anywhere.example.com",
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q, want *", got)
	}
}

func TestOpsMethodNotAllowed(t *testing.T) {
	t.Parallel()

	conf := &config.Config{OpsServerEnabled: true, OpsPort: 9407}
	core := newTestCore(t, conf, Dependencies{})
	core.mountOpsServer()

	rec := opsRequest(t, core, 9407, http.MethodPost, "/api/services", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
