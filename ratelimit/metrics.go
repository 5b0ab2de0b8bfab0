package ratelimit

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMaxTenantLabels caps distinct tenant label values. Tenants past
	// the cap share the literal "overflow" label.
	DefaultMaxTenantLabels = 1_000

	// maxLabelLength is the longest tenant value emitted as-is. Longer ones
	// get a hash-derived label.
	maxLabelLength = 64

	overflowLabel = "overflow"
)

// metrics holds the limiter's Prometheus collectors. Tenant IDs are caller
// input, so label values are sanitized and their cardinality is bounded.
type metrics struct {
	decisionsTotal *prometheus.CounterVec
	fallbacksTotal prometheus.Counter

	mu        sync.Mutex
	labels    map[string]string
	maxLabels int

	registerMu sync.Mutex
	registered bool
}

func newRateLimitCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambus",
			Subsystem: "ratelimit",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newMetrics() *metrics {
	return &metrics{
		decisionsTotal: newRateLimitCounterVec("decisions_total", "Total rate-limit decisions by tenant and outcome", []string{"tenant", "decision"}),
		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streambus",
			Subsystem: "ratelimit",
			Name:      "redis_fallbacks_total",
			Help:      "Total rate-limit checks that fell back to local buckets after a Redis failure",
		}),
		labels:    make(map[string]string),
		maxLabels: DefaultMaxTenantLabels,
	}
}

// register registers the collectors with reg. Safe to call multiple times.
func (m *metrics) register(reg prometheus.Registerer) error {
	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	if m.registered {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	for _, c := range []prometheus.Collector{m.decisionsTotal, m.fallbacksTotal} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *metrics) record(tenant string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.decisionsTotal.WithLabelValues(m.tenantLabel(tenant), decision).Inc()
}

func (m *metrics) recordFallback() {
	m.fallbacksTotal.Inc()
}

// tenantLabel maps a tenant ID to a bounded set of label values. Known
// tenants reuse their cached label; new tenants past the cap collapse into
// the shared overflow label so the time series count stays bounded.
func (m *metrics) tenantLabel(tenant string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if label, ok := m.labels[tenant]; ok {
		return label
	}
	if len(m.labels) >= m.maxLabels {
		return overflowLabel
	}

	label := sanitizeLabel(tenant)
	m.labels[tenant] = label
	return label
}

// sanitizeLabel returns tenant unchanged when it is short and uses a safe
// charset; anything else becomes a stable hash-derived value.
func sanitizeLabel(tenant string) string {
	if len(tenant) == 0 || len(tenant) > maxLabelLength {
		return hashLabel(tenant)
	}
	for i := 0; i < len(tenant); i++ {
		if !isSafeLabelByte(tenant[i]) {
			return hashLabel(tenant)
		}
	}
	return tenant
}

func hashLabel(tenant string) string {
	return fmt.Sprintf("tenant_%016x", xxhash.Sum64String(tenant))
}

func isSafeLabelByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == ':' || c == '.':
		return true
	}
	return false
}
