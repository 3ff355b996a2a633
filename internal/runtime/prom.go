package runtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "baton"

// registerCollector registers a collector and reuses the existing one when
// it was already registered, so components can be rebuilt in tests against
// the default registerer.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
