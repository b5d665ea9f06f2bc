package host

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/toolhost/internal/mcp"
)

var (
	serverUpDesc = prometheus.NewDesc(
		"toolhost_server_up",
		"Whether the tool server is Ready (1) or not (0).",
		[]string{"server", "state"}, nil,
	)
	serverRestartsDesc = prometheus.NewDesc(
		"toolhost_server_restarts_total",
		"Restart attempts made for the tool server.",
		[]string{"server"}, nil,
	)
	serverPendingDesc = prometheus.NewDesc(
		"toolhost_server_pending_requests",
		"Requests awaiting a response from the tool server.",
		[]string{"server"}, nil,
	)
	serverToolsDesc = prometheus.NewDesc(
		"toolhost_server_tools",
		"Tools the server currently advertises.",
		[]string{"server"}, nil,
	)
)

// collector reports per-server gauges from Status at scrape time.
type collector struct {
	host *Host
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- serverUpDesc
	ch <- serverRestartsDesc
	ch <- serverPendingDesc
	ch <- serverToolsDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.host.Status() {
		up := 0.0
		if st.State == mcp.StateReady {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(serverUpDesc, prometheus.GaugeValue, up, st.Name, st.State.String())
		ch <- prometheus.MustNewConstMetric(serverRestartsDesc, prometheus.CounterValue, float64(st.Restarts), st.Name)
		ch <- prometheus.MustNewConstMetric(serverPendingDesc, prometheus.GaugeValue, float64(st.Pending), st.Name)
		ch <- prometheus.MustNewConstMetric(serverToolsDesc, prometheus.GaugeValue, float64(st.Tools), st.Name)
	}
}
