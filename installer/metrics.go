package installer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for session lifecycle. A nil
// *Metrics records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	commits      *prometheus.CounterVec
	abandons     *prometheus.CounterVec
	bytesWritten prometheus.Counter
	fsyncs       prometheus.Counter
	commitWait   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installsession_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installsession_commits_total",
			Help: "Commit outcomes by result (success, failure, timeout, undecodable or error).",
		}, []string{"result"}),
		abandons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installsession_abandons_total",
			Help: "Abandon requests by outcome.",
		}, []string{"result"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "installsession_artifact_bytes_total",
			Help: "Artifact bytes streamed into sessions.",
		}),
		fsyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "installsession_fsyncs_total",
			Help: "Durability syncs issued on write streams.",
		}),
		commitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "installsession_commit_wait_seconds",
			Help:    "Time between the commit request and its callback.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.commits, m.abandons, m.bytesWritten, m.fsyncs, m.commitWait)
	}
	return m
}

func (m *Metrics) transition(to SessionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) commit(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
	if wait > 0 {
		m.commitWait.Observe(wait.Seconds())
	}
}

func (m *Metrics) abandon(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.abandons.WithLabelValues(result).Inc()
}

func (m *Metrics) wrote(n int64) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) synced() {
	if m == nil {
		return
	}
	m.fsyncs.Inc()
}
