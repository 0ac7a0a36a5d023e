package propflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

type countingMetrics struct {
	inserted atomic.Int64
	merged   atomic.Int64
	executed atomic.Int64
	gathered atomic.Int64
}

func (m *countingMetrics) ProtocolInserted() { m.inserted.Add(1) }

func (m *countingMetrics) ProtocolMerged() { m.merged.Add(1) }

func (m *countingMetrics) ProtocolExecuted(bool) { m.executed.Add(1) }

func (m *countingMetrics) WorkflowGathered(string) { m.gathered.Add(1) }

func densityRequest(id string) Request {
	estimate := types.NewEstimatedQuantity(
		types.NewQuantity(998.2, "g/L"), types.NewQuantity(0.5, "g/L"), "test-data")

	return Request{
		Property: &types.PhysicalProperty{
			ID:          id,
			Type:        "Density",
			Substance:   types.PureSubstance("O"),
			Value:       types.NewQuantity(997.0, "g/L"),
			Uncertainty: types.NewQuantity(1.0, "g/L"),
		},
		Schema: &workflow.WorkflowSchema{
			PropertyType: "Density",
			Protocols: []*workflow.ProtocolSchema{{
				ID:     "constant",
				Type:   "ConstantValue",
				Inputs: map[string]any{"value": estimate},
			}},
			FinalValueSource: workflow.MustParsePath("constant.result"),
		},
	}
}

func TestEstimatorEstimatesProperty(t *testing.T) {
	estimator, err := New(WithWorkingDirectory(t.TempDir()))
	require.NoError(t, err)

	results, err := estimator.Estimate(context.Background(), []Request{densityRequest("prop-1")})
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	require.NotNil(t, result)
	require.False(t, result.Failed())
	assert.Equal(t, "prop-1", result.PropertyID)
	assert.Equal(t, types.NewQuantity(998.2, "g/L"), result.Property.Value)
	assert.Equal(t, types.NewQuantity(0.5, "g/L"), result.Property.Uncertainty)
}

func TestEstimatorMergesEquivalentRequests(t *testing.T) {
	metrics := &countingMetrics{}
	estimator, err := New(
		WithWorkingDirectory(t.TempDir()),
		WithMetrics(metrics),
	)
	require.NoError(t, err)

	results, err := estimator.Estimate(context.Background(),
		[]Request{densityRequest("prop-1"), densityRequest("prop-2")})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Both requests get a result even though only one protocol ran.
	assert.Equal(t, "prop-1", results[0].PropertyID)
	assert.Equal(t, "prop-2", results[1].PropertyID)
	assert.Equal(t, int64(1), metrics.merged.Load())
	assert.Equal(t, int64(1), metrics.executed.Load())
	assert.Equal(t, int64(2), metrics.gathered.Load())
}

func TestEstimatorRejectsIncompleteRequests(t *testing.T) {
	estimator, err := New(WithWorkingDirectory(t.TempDir()))
	require.NoError(t, err)

	_, err = estimator.Estimate(context.Background(), []Request{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a property or schema")
}

func TestEstimatorNoRequests(t *testing.T) {
	estimator, err := New()
	require.NoError(t, err)

	results, err := estimator.Estimate(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(WithWorkflowOptions(
		workflow.NewWorkflowOptions(workflow.ConvergenceMode("sometimes"))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid workflow options")
}
