package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeRegistry implements Registry on a Prometheus registry served by Handler.
type ScrapeRegistry struct {
	prom      *prometheus.Registry
	namespace string
	startTime time.Time
}

// NewScrapeRegistry creates a ScrapeRegistry with the Go and process collectors
// and an uptime gauge. namespace is applied to every metric that leaves its own
// Namespace empty.
func NewScrapeRegistry(namespace string) (*ScrapeRegistry, error) {
	r := &ScrapeRegistry{
		prom:      prometheus.NewRegistry(),
		namespace: namespace,
		startTime: time.Now(),
	}
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the registry was created.",
	}, func() float64 { return time.Since(r.startTime).Seconds() })

	for name, c := range map[string]prometheus.Collector{
		"go collector":      collectors.NewGoCollector(),
		"process collector": collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"uptime gauge":      uptime,
	} {
		if err := r.prom.Register(c); err != nil {
			return nil, fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus and OpenMetrics text formats.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *ScrapeRegistry) namespaced(ns string) string {
	if ns == "" {
		return r.namespace
	}
	return ns
}

// register adds c to reg. Registering an identical metric again returns the
// collector already in place, so components built twice on one registry share it.
func register[C prometheus.Collector](reg *prometheus.Registry, kind, name string, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("registering %s %q: %w", kind, name, err)
}

// NewGauge registers a Gauge.
func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	opts.Namespace = r.namespaced(opts.Namespace)
	g, err := register(r.prom, "gauge", opts.Name, prometheus.NewGauge(opts))
	if err != nil {
		return nil, err
	}
	return g, nil
}

// NewGaugeVec registers a GaugeVec.
func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	opts.Namespace = r.namespaced(opts.Namespace)
	g, err := register(r.prom, "gauge vec", opts.Name, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return scrapeGaugeVec{g}, nil
}

// NewCounter registers a Counter.
func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	opts.Namespace = r.namespaced(opts.Namespace)
	c, err := register(r.prom, "counter", opts.Name, prometheus.NewCounter(opts))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewCounterVec registers a CounterVec.
func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	opts.Namespace = r.namespaced(opts.Namespace)
	c, err := register(r.prom, "counter vec", opts.Name, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return scrapeCounterVec{c}, nil
}

// The vec wrappers narrow With to the package's Gauge and Counter types. Plain
// prometheus.Gauge and prometheus.Counter satisfy those directly.
type scrapeGaugeVec struct{ *prometheus.GaugeVec }

func (g scrapeGaugeVec) With(labels prometheus.Labels) Gauge {
	return g.GaugeVec.With(labels)
}

type scrapeCounterVec struct{ *prometheus.CounterVec }

func (c scrapeCounterVec) With(labels prometheus.Labels) Counter {
	return c.CounterVec.With(labels)
}
