// Package metrics exports offload state to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/broker"
)

// Namespace prefixes every metric name.
const Namespace = "offload"

// Metrics holds the collectors the manager updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RulesByState     *prometheus.GaugeVec
	SubmitsTotal     *prometheus.CounterVec
	SubmitDuration   prometheus.Histogram
	DeletesTotal     prometheus.Counter
	ReoffloadsTotal  *prometheus.CounterVec
	PeerReplications *prometheus.CounterVec
}

// New registers the manager collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RulesByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rules",
			Help:      "Number of rules in the registry by state.",
		}, []string{"state"}),
		SubmitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "submits_total",
			Help:      "Total number of rule submissions by result.",
		}, []string{"result"}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time taken to compile and install a rule.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		DeletesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deletes_total",
			Help:      "Total number of rules deleted.",
		}),
		ReoffloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reoffloads_total",
			Help:      "Total number of re-offload attempts by result.",
		}, []string{"result"}),
		PeerReplications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "peer_replications_total",
			Help:      "Total number of peer replications by result.",
		}, []string{"result"}),
	}
}

// result labels an operation outcome by error kind.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	return offload.KindOf(err).String()
}

// ObserveSubmit records one submission.
func (m *Metrics) ObserveSubmit(err error, took time.Duration) {
	if m == nil {
		return
	}
	m.SubmitsTotal.WithLabelValues(result(err)).Inc()
	m.SubmitDuration.Observe(took.Seconds())
}

// ObserveReoffload records one retry attempt.
func (m *Metrics) ObserveReoffload(err error) {
	if m == nil {
		return
	}
	m.ReoffloadsTotal.WithLabelValues(result(err)).Inc()
}

// ObserveReplication records one peer replication.
func (m *Metrics) ObserveReplication(err error) {
	if m == nil {
		return
	}
	m.PeerReplications.WithLabelValues(result(err)).Inc()
}

// ObserveDelete records one completed delete.
func (m *Metrics) ObserveDelete() {
	if m == nil {
		return
	}
	m.DeletesTotal.Inc()
}

// Enter counts a rule entering a state.
func (m *Metrics) Enter(s offload.State) {
	if m == nil {
		return
	}
	m.RulesByState.WithLabelValues(s.String()).Inc()
}

// Leave counts a rule leaving a state.
func (m *Metrics) Leave(s offload.State) {
	if m == nil {
		return
	}
	m.RulesByState.WithLabelValues(s.String()).Dec()
}

// Transition moves a rule between state gauges.
func (m *Metrics) Transition(from, to offload.State) {
	m.Leave(from)
	m.Enter(to)
}

// HandleCounter is the part of the broker the handle collector reads.
type HandleCounter interface {
	Count(kind broker.Kind) int
	TotalRefs() int
}

// QueueLen is the part of the retry queue the depth gauge reads.
type QueueLen interface {
	Len() int
}

type stateCollector struct {
	handles *prometheus.Desc
	refs    *prometheus.Desc
	depth   *prometheus.Desc
	broker  HandleCounter
	queue   QueueLen
}

// RegisterState registers collectors that read broker handle counts and
// retry queue depth at scrape time. Either source may be nil.
func RegisterState(reg prometheus.Registerer, b HandleCounter, q QueueLen) error {
	return reg.Register(&stateCollector{
		handles: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "broker", "handles"),
			"Number of live shared objects by kind.",
			[]string{"kind"}, nil,
		),
		refs: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "broker", "references"),
			"Total references held on shared objects.",
			nil, nil,
		),
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "retry", "queue_depth"),
			"Number of rules waiting to be re-offloaded.",
			nil, nil,
		),
		broker: b,
		queue:  q,
	})
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handles
	ch <- c.refs
	ch <- c.depth
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.broker != nil {
		for _, k := range broker.Kinds {
			ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(c.broker.Count(k)), k.String())
		}
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(c.broker.TotalRefs()))
	}
	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.queue.Len()))
	}
}
