package observability

import "time"

// noOpMetricsClient is a no-op implementation of MetricsClient for testing
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a new no-op metrics client that does nothing
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

// MetricsOrNoop returns metrics, or a no-op client when metrics is nil
func MetricsOrNoop(metrics MetricsClient) MetricsClient {
	if metrics == nil {
		return NewNoOpMetricsClient()
	}
	return metrics
}

// RecordCounter is a no-op implementation
func (n *noOpMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge is a no-op implementation
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram is a no-op implementation
func (n *noOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// IncrementCounterWithLabels is a no-op implementation
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordDuration is a no-op implementation
func (n *noOpMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}

// StartTimer is a no-op implementation
func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close is a no-op implementation
func (n *noOpMetricsClient) Close() error {
	return nil
}
