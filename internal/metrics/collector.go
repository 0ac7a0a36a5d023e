// Package metrics provides the prometheus instrumentation for the
// workflow engine. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector counts graph scheduling events. It implements the workflow
// package's GraphMetrics interface and is safe for concurrent use.
type Collector struct {
	protocolsInserted prometheus.Counter
	protocolsMerged   prometheus.Counter
	protocolsExecuted *prometheus.CounterVec
	workflowsGathered *prometheus.CounterVec
}

// NewCollector creates a collector registered on the given registerer.
// A nil registerer falls back to the default prometheus registry.
func NewCollector(namespace string, registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Collector{
		protocolsInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocols_inserted_total",
			Help:      "Number of protocols inserted into the workflow graph",
		}),
		protocolsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocols_merged_total",
			Help:      "Number of protocols merged into an equivalent graph protocol",
		}),
		protocolsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocols_executed_total",
			Help:      "Number of protocol executions by outcome",
		}, []string{"outcome"}),
		workflowsGathered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_gathered_total",
			Help:      "Number of gathered workflows by outcome",
		}, []string{"outcome"}),
	}
}

// ProtocolInserted implements workflow.GraphMetrics.
func (c *Collector) ProtocolInserted() {
	c.protocolsInserted.Inc()
}

// ProtocolMerged implements workflow.GraphMetrics.
func (c *Collector) ProtocolMerged() {
	c.protocolsMerged.Inc()
}

// ProtocolExecuted implements workflow.GraphMetrics.
func (c *Collector) ProtocolExecuted(failed bool) {
	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}
	c.protocolsExecuted.WithLabelValues(outcome).Inc()
}

// WorkflowGathered implements workflow.GraphMetrics.
func (c *Collector) WorkflowGathered(outcome string) {
	c.workflowsGathered.WithLabelValues(outcome).Inc()
}
