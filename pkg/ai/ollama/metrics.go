package ollama

import (
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"
)

// ResetMetrics clears the accumulated token usage.
func (c *GraphOllamaClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the token usage accumulated since the last reset.
func (c *GraphOllamaClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

// record adds the usage of one request to the totals and exports its token
// counts.
func (c *GraphOllamaClient) record(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	c.metrics = c.metrics.Add(m)
	c.metricsLock.Unlock()

	metrics.ModelTokens.WithLabelValues("ollama", "input").Add(float64(m.InputTokens))
	metrics.ModelTokens.WithLabelValues("ollama", "output").Add(float64(m.OutputTokens))
}
