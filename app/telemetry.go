package app

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/telemetry"
)

// newCollector builds the telemetry collector for the configured provider
// together with the gatherer backing the /metrics endpoint.
func newCollector(cfg config.TelemetryConfig) (telemetry.Collector, prometheus.Gatherer, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil, nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector, err := telemetry.NewPrometheusCollector(registry)
		if err != nil {
			return nil, nil, err
		}
		return collector, registry, nil
	default:
		return nil, nil, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
