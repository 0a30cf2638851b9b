package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zhangyunhao116/skipmap"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type sampleMap = skipmap.OrderedMap[string, float64]

// InProc is a lock-free in-process collector, good enough for the /metrics
// text endpoint and for tests.
type InProc struct {
	counters *sampleMap
	gauges   *sampleMap
}

func NewInProc() *InProc {
	return &InProc{
		counters: skipmap.New[string, float64](),
		gauges:   skipmap.New[string, float64](),
	}
}

func (c *InProc) IncCounter(name string, labels map[string]string, delta float64) {
	key := sampleKey(name, labels)
	// skipmap has no CAS; last-writer-wins drift on hot contention is
	// acceptable for an advisory endpoint.
	cur, _ := c.counters.Load(key)
	c.counters.Store(key, cur+delta)
}

func (c *InProc) SetGauge(name string, labels map[string]string, value float64) {
	c.gauges.Store(sampleKey(name, labels), value)
}

func (c *InProc) ObserveHistogram(name string, labels map[string]string, value float64) {
	c.IncCounter(name+"_count", labels, 1)
	c.IncCounter(name+"_sum", labels, value)
}

// Render dumps all samples in a plain text exposition format.
func (c *InProc) Render() string {
	var b strings.Builder
	c.counters.Range(func(key string, v float64) bool {
		fmt.Fprintf(&b, "%s %g\n", key, v)
		return true
	})
	c.gauges.Range(func(key string, v float64) bool {
		fmt.Fprintf(&b, "%s %g\n", key, v)
		return true
	})
	return b.String()
}

func sampleKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
