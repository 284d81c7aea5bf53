package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the page server.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as page builds and configuration
// reloads.
type Collector interface {
	IncPageBuild(route, trigger string)
	IncPageBuildError(route string)
	IncStoreDial(outcome string)
	SetCachedPages(count int)
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncPageBuild(string, string) {}
func (noopCollector) IncPageBuildError(string)    {}
func (noopCollector) IncStoreDial(string)         {}
func (noopCollector) SetCachedPages(int)          {}
func (noopCollector) IncHotReload(string)         {}

// PrometheusCollector exposes page server counters via Prometheus.
type PrometheusCollector struct {
	pageBuilds      *prometheus.CounterVec
	pageBuildErrors *prometheus.CounterVec
	storeDials      *prometheus.CounterVec
	cachedPages     prometheus.Gauge
	hotReloads      *prometheus.CounterVec
}

// Metrics are registered once per process even when several collectors are
// created for the same registry, so the constructed vectors live in package
// state guarded by a single lock.
var (
	metricsMu           sync.Mutex
	pageBuildCounter    *prometheus.CounterVec
	pageBuildErrCounter *prometheus.CounterVec
	storeDialCounter    *prometheus.CounterVec
	cachedPagesGauge    prometheus.Gauge
	configReloadCounter *prometheus.CounterVec
)

// NewPrometheusCollector registers the page server metrics with the provided
// registerer. Passing nil uses the Prometheus default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()

	if pageBuildCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pressroom_page_builds_total",
			Help: "Number of page builds per route and trigger.",
		}, []string{"route", "trigger"})
		if err != nil {
			return nil, err
		}
		pageBuildCounter = counter
	}

	if pageBuildErrCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pressroom_page_build_errors_total",
			Help: "Number of failed page builds per route.",
		}, []string{"route"})
		if err != nil {
			return nil, err
		}
		pageBuildErrCounter = counter
	}

	if storeDialCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pressroom_store_dials_total",
			Help: "Number of content store connection attempts per outcome.",
		}, []string{"outcome"})
		if err != nil {
			return nil, err
		}
		storeDialCounter = counter
	}

	if cachedPagesGauge == nil {
		gauge, err := registerGauge(reg, prometheus.GaugeOpts{
			Name: "pressroom_cached_pages",
			Help: "Number of page snapshots currently held in the cache.",
		})
		if err != nil {
			return nil, err
		}
		cachedPagesGauge = gauge
	}

	if configReloadCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pressroom_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})
		if err != nil {
			return nil, err
		}
		configReloadCounter = counter
	}

	return &PrometheusCollector{
		pageBuilds:      pageBuildCounter,
		pageBuildErrors: pageBuildErrCounter,
		storeDials:      storeDialCounter,
		cachedPages:     cachedPagesGauge,
		hotReloads:      configReloadCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncPageBuild counts a completed page build for a route. The trigger names
// what caused the build, for example "demand", "stale", "sweep" or "api".
func (p *PrometheusCollector) IncPageBuild(route, trigger string) {
	if p == nil || p.pageBuilds == nil {
		return
	}
	p.pageBuilds.WithLabelValues(route, trigger).Inc()
}

// IncPageBuildError counts a failed page build for a route.
func (p *PrometheusCollector) IncPageBuildError(route string) {
	if p == nil || p.pageBuildErrors == nil {
		return
	}
	p.pageBuildErrors.WithLabelValues(route).Inc()
}

// IncStoreDial counts a content store connection attempt with its outcome.
func (p *PrometheusCollector) IncStoreDial(outcome string) {
	if p == nil || p.storeDials == nil {
		return
	}
	p.storeDials.WithLabelValues(outcome).Inc()
}

// SetCachedPages updates the gauge tracking held page snapshots.
func (p *PrometheusCollector) SetCachedPages(count int) {
	if p == nil || p.cachedPages == nil {
		return
	}
	p.cachedPages.Set(float64(count))
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}
