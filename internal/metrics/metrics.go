// Package metrics instruments the control plane, worker and agent.
//
// Counters, gauges and timers are registered lazily by name under a
// namespace ("control", "worker", "agent").
package metrics

import (
	"fmt"
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

type Registry struct {
	namespace string
	r         gometrics.Registry
}

func New(namespace string) *Registry {
	return &Registry{namespace: namespace, r: gometrics.NewRegistry()}
}

func (m *Registry) name(metricName string) string {
	if m.namespace == "" {
		return metricName
	}
	return fmt.Sprintf("%s.%s", m.namespace, metricName)
}

// Increment a counter with the given name.
func (m *Registry) Increment(name string) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(m.name(name), m.r).Inc(1)
}

// Measure sets a gauge.
func (m *Registry) Measure(name string, value int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterGauge(m.name(name), m.r).Update(value)
}

// Time records one latency sample.
func (m *Registry) Time(name string, value time.Duration) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterTimer(m.name(name), m.r).Update(value)
}

// Since is Time(name, time.Since(start)), for use with defer.
func (m *Registry) Since(name string, start time.Time) {
	m.Time(name, time.Since(start))
}

func (m *Registry) Count(name string) int64 {
	if m == nil {
		return 0
	}
	c, ok := m.r.Get(m.name(name)).(gometrics.Counter)
	if !ok {
		return 0
	}
	return c.Count()
}

// WriteJSON dumps every registered metric as one JSON object.
func (m *Registry) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(m.r, w)
}
