// Package stats exposes the Registry's per-upstream counters as
// Prometheus metrics, pulled on every scrape rather than pushed, so the
// exported values always reflect the live Registry.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/EvgeniiDev/proxy-load-balancer/registry"
)

const namespace = "proxylb"

// Collector implements prometheus.Collector over a *registry.Registry.
type Collector struct {
	registry *registry.Registry

	requests  *prometheus.Desc
	successes *prometheus.Desc
	failures  *prometheus.Desc
	state     *prometheus.Desc
	sessions  *prometheus.Desc
	poolSize  *prometheus.Desc

	successRate      *prometheus.Desc
	availableCount   *prometheus.Desc
	unavailableCount *prometheus.Desc
	restingCount     *prometheus.Desc
}

// NewCollector builds a Collector over reg. Register it with a
// prometheus.Registerer to expose it on a scrape endpoint.
func NewCollector(reg *registry.Registry) *Collector {
	labels := []string{"upstream"}
	return &Collector{
		registry: reg,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "requests_total"),
			"Total attempts sent to this upstream.", labels, nil),
		successes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "successes_total"),
			"Total non-429 responses and clean tunnel closes from this upstream.", labels, nil),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "failures_total"),
			"Total transport-class errors from this upstream.", labels, nil),
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "state"),
			"Current lifecycle state as an enum (0=available, 1=unavailable, 2=resting).",
			append(labels, "state_name"), nil),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "sessions_pooled"),
			"Currently open pooled connections to this upstream.", labels, nil),
		poolSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "size"),
			"Total number of known upstream records, regardless of state.", nil, nil),
		successRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "overall_success_rate"),
			"Fraction of all recorded attempts, across every upstream, that succeeded.", nil, nil),
		availableCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "available_count"),
			"Number of upstream records currently Available.", nil, nil),
		unavailableCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "unavailable_count"),
			"Number of upstream records currently Unavailable.", nil, nil),
		restingCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "resting_count"),
			"Number of upstream records currently Resting.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.successes
	ch <- c.failures
	ch <- c.state
	ch <- c.sessions
	ch <- c.poolSize
	ch <- c.successRate
	ch <- c.availableCount
	ch <- c.unavailableCount
	ch <- c.restingCount
}

// Collect implements prometheus.Collector by reading a fresh snapshot of
// every upstream record.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	all := c.registry.All()
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(len(all)))

	var totalRequests, totalSuccesses uint64
	var availableCount, unavailableCount, restingCount int

	for _, u := range all {
		requests, successes, failures := u.Counters()
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(requests), u.Key())
		ch <- prometheus.MustNewConstMetric(c.successes, prometheus.CounterValue, float64(successes), u.Key())
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(failures), u.Key())
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(u.State()), u.Key(), u.State().String())
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(u.SessionsPooled()), u.Key())

		totalRequests += requests
		totalSuccesses += successes
		switch u.State() {
		case registry.Available:
			availableCount++
		case registry.Unavailable:
			unavailableCount++
		case registry.Resting:
			restingCount++
		}
	}

	var successRate float64
	if totalRequests > 0 {
		successRate = float64(totalSuccesses) / float64(totalRequests)
	}
	ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, successRate)
	ch <- prometheus.MustNewConstMetric(c.availableCount, prometheus.GaugeValue, float64(availableCount))
	ch <- prometheus.MustNewConstMetric(c.unavailableCount, prometheus.GaugeValue, float64(unavailableCount))
	ch <- prometheus.MustNewConstMetric(c.restingCount, prometheus.GaugeValue, float64(restingCount))
}

// Snapshot is the point-in-time view of one upstream returned by
// Snapshots, for a JSON status endpoint alongside the Prometheus one.
type Snapshot struct {
	Upstream            string `json:"upstream"`
	State               string `json:"state"`
	RequestCount        uint64 `json:"request_count"`
	SuccessCount        uint64 `json:"success_count"`
	FailureCount        uint64 `json:"failure_count"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OverloadCount       int    `json:"overload_count"`
	SessionsPooled      int64  `json:"sessions_pooled"`
}

// Snapshots returns one Snapshot per known upstream record.
func Snapshots(reg *registry.Registry) []Snapshot {
	all := reg.All()
	out := make([]Snapshot, 0, len(all))
	for _, u := range all {
		requests, successes, failures := u.Counters()
		consecutiveFailures, overloadCount := u.ConsecutiveFailuresAndOverloadCount()
		out = append(out, Snapshot{
			Upstream:            u.Key(),
			State:               u.State().String(),
			RequestCount:        requests,
			SuccessCount:        successes,
			FailureCount:        failures,
			ConsecutiveFailures: consecutiveFailures,
			OverloadCount:       overloadCount,
			SessionsPooled:      u.SessionsPooled(),
		})
	}
	return out
}
