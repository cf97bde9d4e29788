// Package observability wires OpenTelemetry tracing and Prometheus-exported
// metrics around the chat orchestrator, the LLM adapter and tool execution.
package observability

// Config holds observability settings.
type Config struct {
	Tracing TracerConfig  `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "kk-ai-nl2sql"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.EndpointURL == "" {
		c.Tracing.EndpointURL = "localhost:4317"
	}
}

// TracerConfig configures the OTLP trace exporter.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// MetricsConfig configures the Prometheus metrics exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}
