// Package metricsx exposes dispatch and upstream counters backed by
// VictoriaMetrics' client library, written out on the status web server's
// /metrics endpoint.
package metricsx

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds the process-wide counters and histograms this proxy
// publishes. All fields are safe for concurrent use.
type Metrics struct {
	set *metrics.Set

	DispatchTotal       map[string]*metrics.Counter // keyed by HandlingMode string
	DispatchFailedTotal *metrics.Counter
	UpstreamConnect     *metrics.Counter
	UpstreamCooldown    *metrics.Counter
	DispatchDuration    *metrics.Histogram
}

// modes is the fixed set of handling modes a dispatch can be labeled
// with; pre-registering them keeps /metrics output stable even before
// each mode has ever actually been dispatched.
var modes = []string{
	"DefaultUnicast",
	"CardUnicast",
	"SessionUnicast",
	"MulticastWithResponse",
	"MulticastNoResponse",
}

// New constructs a fresh, independently-registered metric set.
func New() *Metrics {
	set := metrics.NewSet()

	m := &Metrics{
		set:                 set,
		DispatchTotal:       make(map[string]*metrics.Counter, len(modes)),
		DispatchFailedTotal: set.NewCounter("posproxy_dispatch_failed_total"),
		UpstreamConnect:     set.NewCounter("posproxy_upstream_connect_total"),
		UpstreamCooldown:    set.NewCounter("posproxy_upstream_cooldown_total"),
		DispatchDuration:    set.NewHistogram("posproxy_dispatch_duration_seconds"),
	}
	for _, mode := range modes {
		m.DispatchTotal[mode] = set.NewCounter(
			fmt.Sprintf(`posproxy_dispatch_total{mode=%q}`, mode),
		)
	}
	return m
}

// WritePrometheus writes every registered metric in Prometheus exposition
// format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
