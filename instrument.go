package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markuslindenberg/vrg_exporter/vrg"
)

// transportMetrics instruments the transport below the driver, the way
// promhttp instruments an http.RoundTripper.
type transportMetrics struct {
	operations   *prometheus.CounterVec
	readDuration prometheus.Histogram
	connects     *prometheus.CounterVec
	unsolicited  *prometheus.CounterVec
}

func newTransportMetrics() *transportMetrics {
	return &transportMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_transport_operations_total",
			Help:      "Transport operations on the VRG connection.",
		}, []string{"op", "result"}),
		readDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exporter_transport_read_duration_seconds",
			Help:      "Histogram of VRG response latencies.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_connects_total",
			Help:      "Attempts to open the VRG connection.",
		}, []string{"result"}),
		unsolicited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_unsolicited_responses_total",
			Help:      "Unsolicited responses discarded by the driver.",
		}, []string{"command"}),
	}
}

func (m *transportMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.readDuration.Describe(ch)
	m.connects.Describe(ch)
	m.unsolicited.Describe(ch)
}

func (m *transportMetrics) Collect(ch chan<- prometheus.Metric) {
	m.operations.Collect(ch)
	m.readDuration.Collect(ch)
	m.connects.Collect(ch)
	m.unsolicited.Collect(ch)
}

// instrument wraps dial so that every transport it opens is counted.
func (m *transportMetrics) instrument(dial vrg.Dialer) vrg.Dialer {
	return func() (vrg.Transport, error) {
		t, err := dial()
		if err != nil {
			m.connects.WithLabelValues("error").Inc()
			return nil, err
		}
		m.connects.WithLabelValues("success").Inc()
		return &instrumentedTransport{next: t, m: m}, nil
	}
}

// unsolicitedResponse is installed as the driver's unsolicited output handler.
func (m *transportMetrics) unsolicitedResponse(command, response string) {
	m.unsolicited.WithLabelValues(command).Inc()
}

func (m *transportMetrics) observe(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

type instrumentedTransport struct {
	next vrg.Transport
	m    *transportMetrics
}

func (t *instrumentedTransport) Write(p []byte) (int, error) {
	n, err := t.next.Write(p)
	t.m.observe("write", err)
	return n, err
}

func (t *instrumentedTransport) ReadUntil(delim byte) ([]byte, error) {
	start := time.Now()
	line, err := t.next.ReadUntil(delim)
	t.m.readDuration.Observe(time.Since(start).Seconds())
	if err == nil && (len(line) == 0 || line[len(line)-1] != delim) {
		t.m.operations.WithLabelValues("read", "timeout").Inc()
		return line, nil
	}
	t.m.observe("read", err)
	return line, err
}

func (t *instrumentedTransport) ResetInputBuffer() error {
	err := t.next.ResetInputBuffer()
	t.m.observe("reset", err)
	return err
}

func (t *instrumentedTransport) Close() error {
	err := t.next.Close()
	t.m.observe("close", err)
	return err
}
