package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "controlplane"

// ProvisioningMetrics holds metrics related to provisioning jobs.
type ProvisioningMetrics struct {
	Jobs         *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Dispatched   *prometheus.CounterVec
}

// NewProvisioningMetrics creates provisioning metrics
func NewProvisioningMetrics() *ProvisioningMetrics {
	const subsystem = "provisioning"

	return &ProvisioningMetrics{
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_total",
			Help:      "Count of provisioning job runs by final status",
		}, []string{"status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Histogram of time spent in each provisioning step",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"step", "result"}),

		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_total",
			Help:      "Count of job dispatch attempts",
		}, []string{"dispatcher", "result"}),
	}
}

func (m *ProvisioningMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Jobs, m.StepDuration, m.Dispatched}
}

// TenantDBMetrics holds metrics for the tenant database factory.
type TenantDBMetrics struct {
	OpenHandles prometheus.Gauge
	Opens       *prometheus.CounterVec
}

// NewTenantDBMetrics creates tenant database metrics
func NewTenantDBMetrics() *TenantDBMetrics {
	const subsystem = "tenantdb"

	return &TenantDBMetrics{
		OpenHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open_handles",
			Help:      "Number of cached dedicated tenant database handles",
		}),

		Opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "opens_total",
			Help:      "Count of dedicated tenant database open attempts",
		}, []string{"result"}),
	}
}

func (m *TenantDBMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.OpenHandles, m.Opens}
}

// IsolationMetrics holds metrics for cross-tenant activity.
type IsolationMetrics struct {
	CrossTenant     prometheus.Counter
	EmergencyGrants prometheus.Counter
	Denied          *prometheus.CounterVec
}

// NewIsolationMetrics creates isolation metrics
func NewIsolationMetrics() *IsolationMetrics {
	const subsystem = "isolation"

	return &IsolationMetrics{
		CrossTenant: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cross_tenant_access_total",
			Help:      "Count of audited cross-tenant accesses",
		}),

		EmergencyGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "emergency_grants_total",
			Help:      "Count of emergency access grants issued",
		}),

		Denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "denied_total",
			Help:      "Count of rejected tenant requests by reason",
		}, []string{"reason"}),
	}
}

func (m *IsolationMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.CrossTenant, m.EmergencyGrants, m.Denied}
}

// Collectors is implemented by every metrics struct in this package
type Collectors interface {
	PrometheusCollectors() []prometheus.Collector
}

// Registry bundles every control plane metric on a dedicated registry
type Registry struct {
	*prometheus.Registry

	Provisioning *ProvisioningMetrics
	TenantDB     *TenantDBMetrics
	Isolation    *IsolationMetrics
}

// NewRegistry creates and registers all metrics
func NewRegistry() *Registry {
	r := &Registry{
		Registry:     prometheus.NewRegistry(),
		Provisioning: NewProvisioningMetrics(),
		TenantDB:     NewTenantDBMetrics(),
		Isolation:    NewIsolationMetrics(),
	}

	for _, c := range []Collectors{r.Provisioning, r.TenantDB, r.Isolation} {
		r.MustRegister(c.PrometheusCollectors()...)
	}

	r.MustRegister(collectors.NewGoCollector())
	return r
}
