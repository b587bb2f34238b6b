package promtest

import (
	"sync"
)

// MockCounter is a mock counter that adheres to metrics.Counter for use in unit tests.
type MockCounter struct {
	m     sync.RWMutex
	value float64
}

// Value returns the current value of the counter.
func (m *MockCounter) Value() float64 {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.value
}

// Inc adds one to the counter.
func (m *MockCounter) Inc() {
	m.Add(1)
}

// Add adds v to the counter.
func (m *MockCounter) Add(v float64) {
	m.m.Lock()
	defer m.m.Unlock()
	m.value += v
}

// MockGauge is a mock gauge that adheres to metrics.Gauge for use in unit tests.
type MockGauge struct {
	m     sync.RWMutex
	value float64
}

// Value returns the current value of the gauge.
func (m *MockGauge) Value() float64 {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.value
}

// Inc increments the gauge.
func (m *MockGauge) Inc() {
	m.m.Lock()
	defer m.m.Unlock()
	m.value++
}

// Dec decrements the gauge.
func (m *MockGauge) Dec() {
	m.m.Lock()
	defer m.m.Unlock()
	m.value--
}
