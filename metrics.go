package parentsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts sync activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PagesFetched     prometheus.Counter
	CacheFallbacks   *prometheus.CounterVec
	ReceiptsFlushed  prometheus.Counter
	FlushFailures    prometheus.Counter
	TokenRefreshes   *prometheus.CounterVec
	ForcedSignOuts   prometheus.Counter
	StudentsSynced   prometheus.Counter
	PushRegistration *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "pages_fetched_total",
			Help: "Message pages fetched from the server and merged into the store.",
		}),
		CacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "cache_fallbacks_total",
			Help: "Reads served from the store instead of the server, by reason.",
		}, []string{"reason"}),
		ReceiptsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "receipts_flushed_total",
			Help: "Read receipts acknowledged by the server.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "receipt_flush_failures_total",
			Help: "Receipt batches that failed and were left for the next flush.",
		}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "token_refreshes_total",
			Help: "Access token refresh attempts, by result.",
		}, []string{"result"}),
		ForcedSignOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "forced_sign_outs_total",
			Help: "Sign-outs caused by 403 responses or rejected refreshes.",
		}),
		StudentsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "student_directory_syncs_total",
			Help: "Successful student directory fetches.",
		}),
		PushRegistration: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parentsync", Name: "push_registrations_total",
			Help: "Device token upserts, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PagesFetched, m.CacheFallbacks, m.ReceiptsFlushed, m.FlushFailures,
			m.TokenRefreshes, m.ForcedSignOuts, m.StudentsSynced, m.PushRegistration,
		)
	}
	return m
}

func (m *Metrics) pageFetched() {
	if m != nil {
		m.PagesFetched.Inc()
	}
}

func (m *Metrics) cacheFallback(reason string) {
	if m != nil {
		m.CacheFallbacks.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) receiptsFlushed(n int) {
	if m != nil {
		m.ReceiptsFlushed.Add(float64(n))
	}
}

func (m *Metrics) flushFailed() {
	if m != nil {
		m.FlushFailures.Inc()
	}
}

func (m *Metrics) tokenRefresh(result string) {
	if m != nil {
		m.TokenRefreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) forcedSignOut() {
	if m != nil {
		m.ForcedSignOuts.Inc()
	}
}

func (m *Metrics) studentsSynced() {
	if m != nil {
		m.StudentsSynced.Inc()
	}
}

func (m *Metrics) pushRegistration(result string) {
	if m != nil {
		m.PushRegistration.WithLabelValues(result).Inc()
	}
}
