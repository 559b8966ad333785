package observability

// MetricType distinguishes the supported measurement kinds.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricHistogram samples a distribution of observed values.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement forwarded to a MetricsCollector.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector aggregates measurements for exposure.
type MetricsCollector interface {
	Collect(Metric)
}

// NoopCollector discards all measurements.
type NoopCollector struct{}

// Collect implements MetricsCollector.
func (NoopCollector) Collect(Metric) {}

var _ MetricsCollector = NoopCollector{}
