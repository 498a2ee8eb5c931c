package merklesig

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for signing and verification.  A nil *Metrics
// records nothing.
type Metrics struct {
	Batches       prometheus.Counter
	Entries       prometheus.Counter
	SignFailures  *prometheus.CounterVec
	SignDuration  prometheus.Histogram
	Verifications *prometheus.CounterVec
}

// Creates the metrics and registers them with reg, unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklesig_signed_batches_total",
			Help: "Number of batches signed",
		}),
		Entries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merklesig_signed_entries_total",
			Help: "Number of messages signed",
		}),
		SignFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merklesig_sign_failures_total",
				Help: "Number of batches that could not be signed",
			},
			[]string{"kind"},
		),
		SignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "merklesig_sign_duration_seconds",
			Help:    "Time taken to sign a batch",
			Buckets: prometheus.DefBuckets,
		}),
		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merklesig_verifications_total",
				Help: "Number of verified entries by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Batches, m.Entries, m.SignFailures,
			m.SignDuration, m.Verifications)
	}
	return m
}

func (m *Metrics) observeSign(n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SignFailures.WithLabelValues(KindOf(err).String()).Inc()
		return
	}
	m.Batches.Inc()
	m.Entries.Add(float64(n))
	m.SignDuration.Observe(took.Seconds())
}

// Label for the outcome of a verification.
func verifyResult(err error) string {
	proofBad := errors.Is(err, ErrInclusionProofInvalid)
	sigBad := errors.Is(err, ErrSignatureInvalid)
	switch {
	case err == nil:
		return "valid"
	case proofBad && sigBad:
		return "both_invalid"
	case proofBad:
		return "proof_invalid"
	case sigBad:
		return "signature_invalid"
	}
	return "error"
}

func (m *Metrics) observeVerify(err error) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(verifyResult(err)).Inc()
}
