package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batonmesh/baton/internal/runtime/config"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
)

// mountOpsServer registers the introspection API on the configured ops port.
// Start calls it before the HTTP listeners come up.
func (c *Core) mountOpsServer() {
	if c.Conf == nil || !c.Conf.OpsServerEnabled {
		return
	}

	port := c.Conf.OpsPort
	if port == 0 {
		port = config.DefaultOpsPort
	}

	c.RegisterHTTPHandler(port, "/api/services", c.opsHandler(c.servicesPayload))
	c.RegisterHTTPHandler(port, "/api/breakers", c.opsHandler(c.breakersPayload))
	c.RegisterHTTPHandler(port, "/api/sagas", c.opsHandler(c.sagasPayload))
	c.RegisterHTTPHandler(port, "/api/dlq", c.opsHandler(c.dlqPayload))
	c.RegisterHTTPHandler(port, "/api/stats", c.opsHandler(c.statsPayload))

	if c.Conf.MetricsEnabled {
		c.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	}
}

// opsHandler wraps a payload func with the shared JSON, CORS, and preflight
// handling every ops endpoint needs.
func (c *Core) opsHandler(payload func(r *http.Request) any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if c.Conf != nil && len(c.Conf.OpsCORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := c.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, payload(r)); err != nil {
			c.Logger.Error("Failed to encode ops response", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns
// the appropriate Access-Control-Allow-Origin value.
func (c *Core) getAllowedCORSOrigin(requestOrigin string) string {
	if c.Conf == nil {
		return ""
	}
	for _, allowed := range c.Conf.OpsCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (c *Core) servicesPayload(*http.Request) any {
	return map[string]any{
		"services": c.registry.Services(),
		"summary":  c.registry.HealthSummary(),
	}
}

func (c *Core) breakersPayload(*http.Request) any {
	return c.breakers.AllMetrics()
}

// sagasPayload lists executions, optionally filtered by one or more
// status query parameters (repeated or comma-separated).
func (c *Core) sagasPayload(r *http.Request) any {
	var statuses []SagaStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				statuses = append(statuses, SagaStatus(part))
			}
		}
	}
	return c.sagas.ListExecutions(statuses...)
}

func (c *Core) dlqPayload(*http.Request) any {
	return map[string]any{
		"entries":  c.router.DLQEvents(),
		"snapshot": c.router.DLQMetricsSnapshot(),
	}
}

func (c *Core) statsPayload(*http.Request) any {
	return map[string]any{
		"services":      c.registry.HealthSummary(),
		"dispatch":      c.dispatcher.Stats(),
		"subscriptions": c.bus.Subscriptions(),
		"router":        c.router.Metrics(),
		"sagas":         c.sagas.Metrics(),
		"saga_health":   c.sagas.HealthStatus(),
	}
}
