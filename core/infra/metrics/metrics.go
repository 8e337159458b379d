package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the lock coordinator and its store adapter.
type Metrics interface {
	IncAcquire(mode, outcome string)
	IncRelease(mode, outcome string)
	IncReleaseMismatch(mode string)
	IncTxRetry()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncAcquire(string, string) {}
func (Noop) IncRelease(string, string) {}
func (Noop) IncReleaseMismatch(string) {}
func (Noop) IncTxRetry()               {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	acquires        *prometheus.CounterVec
	releases        *prometheus.CounterVec
	releaseMismatch *prometheus.CounterVec
	txRetries       prometheus.Counter
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquires_total",
			Help:      "Lock acquire attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Lock releases by mode and outcome",
		}, []string{"mode", "outcome"}),
		releaseMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_mismatches_total",
			Help:      "Releases requested for locks the caller did not hold",
		}, []string{"mode"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Optimistic transaction retries caused by watch conflicts",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.acquires, p.releases, p.releaseMismatch, p.txRetries)
	})
}

func (p *Prom) IncAcquire(mode, outcome string) {
	p.acquires.WithLabelValues(mode, outcome).Inc()
}

func (p *Prom) IncRelease(mode, outcome string) {
	p.releases.WithLabelValues(mode, outcome).Inc()
}

func (p *Prom) IncReleaseMismatch(mode string) {
	p.releaseMismatch.WithLabelValues(mode).Inc()
}

func (p *Prom) IncTxRetry() {
	p.txRetries.Inc()
}

// Handler exposes the Prometheus metrics endpoint for embedders.
func Handler() http.Handler {
	return promhttp.Handler()
}
