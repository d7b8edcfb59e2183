package stats

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

const (
	OpenSessions      = "OpenSessions"
	Reconnects        = "Reconnects"
	DroppedEvents     = "DroppedEvents"
	DuplicateMessages = "DuplicateMessages"
	FailedSends       = "FailedSends"
	HandlerFailures   = "HandlerFailures"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	reg    *prometheus.Registry
	mu     sync.RWMutex
	gauges map[string]prometheus.Gauge
}

// NewStatsUpdater creates a stats updater backed by a private prometheus
// registry and exposes it on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		reg:    prometheus.NewRegistry(),
		gauges: make(map[string]prometheus.Gauge),
	}
	su.initializeMetrics()

	if mux != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(su.reg, promhttp.HandlerOpts{Registry: su.reg}))
	}

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the engine started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func metricName(name string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(name, "${1}_${2}"))
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()
	if ok {
		return g
	}

	su.RegisterMetric(name)

	su.mu.RLock()
	defer su.mu.RUnlock()
	return su.gauges[name]
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

// RegisterMetric is idempotent; registering a known name is a no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	})
	su.reg.MustRegister(g)
	su.gauges[name] = g
}

// Registry exposes the underlying registry for tests and custom collectors.
func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.reg
}

// Nop discards every update.
type Nop struct{}

func (Nop) Incr(string)           {}
func (Nop) Decr(string)           {}
func (Nop) RegisterMetric(string) {}
