package promtest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MockHistogram records the values observed, it satisfies metrics.Histogram and
// prometheus.Observer.
type MockHistogram struct {
	m      sync.Mutex
	values []float64
}

// Observe records v.
func (h *MockHistogram) Observe(v float64) {
	h.m.Lock()
	defer h.m.Unlock()
	h.values = append(h.values, v)
}

// Observed returns a copy of the recorded values.
func (h *MockHistogram) Observed() []float64 {
	h.m.Lock()
	defer h.m.Unlock()
	return append([]float64(nil), h.values...)
}

// MockHistogramVec records the label values every observation was made with. All label
// values share one MockHistogram.
type MockHistogramVec struct {
	m      sync.Mutex
	labels [][]string
	hist   MockHistogram
}

// NewMockHistogramVec returns an empty MockHistogramVec.
func NewMockHistogramVec() *MockHistogramVec {
	return &MockHistogramVec{}
}

// WithLabelValues records lvs.
func (v *MockHistogramVec) WithLabelValues(lvs ...string) prometheus.Observer {
	v.m.Lock()
	defer v.m.Unlock()
	v.labels = append(v.labels, lvs)
	return &v.hist
}

// LabelsCalled returns the label values passed to WithLabelValues, in call order.
func (v *MockHistogramVec) LabelsCalled() [][]string {
	v.m.Lock()
	defer v.m.Unlock()
	return append([][]string(nil), v.labels...)
}

// Observer returns the histogram every label value observes into.
func (v *MockHistogramVec) Observer() *MockHistogram {
	return &v.hist
}
