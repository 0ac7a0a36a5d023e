package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholder(t *testing.T) {
	placeholder := NewPlaceholder("comp")

	assert.Equal(t, "$(comp)", placeholder.String())
	assert.True(t, placeholder.AppearsIn("echo_$(comp)"))
	assert.False(t, placeholder.AppearsIn("echo_$(other)"))
	assert.Equal(t, "echo_1", placeholder.Substitute("echo_$(comp)", 1))

	path := MustParsePath("group_$(comp)/echo_$(comp).values[$(comp)]")
	assert.Equal(t, "group_2/echo_2.values[2]", placeholder.SubstitutePath(path, 2).String())

	assert.True(t, HasPlaceholderResidue("echo_$(comp)"))
	assert.False(t, HasPlaceholderResidue("echo_0"))
}

func TestReplicationMapReplicaIndex(t *testing.T) {
	replicated := ReplicationMap{
		"group_$(comp)": {
			{Chain: "group_0", Index: 0},
			{Chain: "group_1", Index: 1},
		},
	}

	index, pinned := replicated.replicaIndex("group_1")
	require.True(t, pinned)
	assert.Equal(t, 1, index)

	// Children of a replicated group inherit its index.
	index, pinned = replicated.replicaIndex("group_0/child")
	require.True(t, pinned)
	assert.Equal(t, 0, index)

	_, pinned = replicated.replicaIndex("other")
	assert.False(t, pinned)
}

func applyReplicatorForTest(t *testing.T, replicator *ProtocolReplicator,
	protocols map[string]Protocol, values []any) map[string]Protocol {
	t.Helper()

	registry := newTestRegistry()
	result, replicated, err := replicator.Apply(protocols, ReplicateAll(values), registry)
	require.NoError(t, err)
	require.NoError(t, replicator.UpdateReferences(result, replicated, len(values)))
	return result
}

func TestReplicatorClonesPerTemplateValue(t *testing.T) {
	echo := newEchoProtocol("echo_$(comp)")
	require.NoError(t, echo.SetValue(NewProtocolPath("input_value"), NewReplicatorValue("comp")))

	replicator := &ProtocolReplicator{ID: "comp"}
	result := applyReplicatorForTest(t, replicator,
		map[string]Protocol{echo.ID(): echo}, []any{"O", "CO"})

	require.Len(t, result, 2)
	require.Contains(t, result, "echo_0")
	require.Contains(t, result, "echo_1")

	// The replicator value resolves to the clone's own template value.
	first, err := result["echo_0"].GetValue(NewProtocolPath("input_value"))
	require.NoError(t, err)
	assert.Equal(t, "O", first)
	second, err := result["echo_1"].GetValue(NewProtocolPath("input_value"))
	require.NoError(t, err)
	assert.Equal(t, "CO", second)
}

func TestReplicatorPinsCloneReferences(t *testing.T) {
	produce := newEchoProtocol("produce_$(comp)")
	require.NoError(t, produce.SetValue(NewProtocolPath("input_value"), NewReplicatorValue("comp")))

	consume := newEchoProtocol("consume_$(comp)")
	require.NoError(t, consume.SetValue(NewProtocolPath("input_value"),
		MustParsePath("produce_$(comp).output_value")))

	replicator := &ProtocolReplicator{ID: "comp"}
	result := applyReplicatorForTest(t, replicator, map[string]Protocol{
		produce.ID(): produce,
		consume.ID(): consume,
	}, []any{"O", "CO"})

	require.Len(t, result, 4)
	for index, id := range []string{"consume_0", "consume_1"} {
		reference, err := result[id].GetValue(NewProtocolPath("input_value"))
		require.NoError(t, err)
		path, isPath := reference.(ProtocolPath)
		require.True(t, isPath)
		assert.Equal(t, NewProtocolPath("output_value", NewPlaceholder("comp").
			Substitute("produce_$(comp)", index)).String(), path.String())
	}
}

func TestReplicatorFansOutListReference(t *testing.T) {
	echo := newEchoProtocol("echo_$(comp)")
	require.NoError(t, echo.SetValue(NewProtocolPath("input_value"), NewReplicatorValue("comp")))

	collect := newSumProtocol("collect")
	require.NoError(t, collect.SetValue(NewProtocolPath("values"), []any{
		MustParsePath("echo_$(comp).output_value"),
	}))

	replicator := &ProtocolReplicator{ID: "comp"}
	result := applyReplicatorForTest(t, replicator, map[string]Protocol{
		echo.ID():    echo,
		collect.ID(): collect,
	}, []any{1.0, 2.0, 3.0})

	values, err := result["collect"].GetValue(NewProtocolPath("values"))
	require.NoError(t, err)
	list, isList := values.([]any)
	require.True(t, isList)
	require.Len(t, list, 3)
	for index, element := range list {
		path, isPath := element.(ProtocolPath)
		require.True(t, isPath)
		assert.Equal(t, NewProtocolPath("output_value",
			NewPlaceholder("comp").Substitute("echo_$(comp)", index)).String(), path.String())
	}
}

func TestReplicatorExpandsScalarReference(t *testing.T) {
	echo := newEchoProtocol("echo_$(comp)")
	require.NoError(t, echo.SetValue(NewProtocolPath("input_value"), NewReplicatorValue("comp")))

	single := newEchoProtocol("single")
	require.NoError(t, single.SetValue(NewProtocolPath("input_value"),
		MustParsePath("echo_$(comp).output_value")))

	replicator := &ProtocolReplicator{ID: "comp"}
	result := applyReplicatorForTest(t, replicator, map[string]Protocol{
		echo.ID():   echo,
		single.ID(): single,
	}, []any{"O", "CO"})

	// A bare path reference on an unreplicated consumer becomes a list
	// aligned with the template values.
	value, err := result["single"].GetValue(NewProtocolPath("input_value"))
	require.NoError(t, err)
	list, isList := value.([]any)
	require.True(t, isList)
	require.Len(t, list, 2)
	assert.Equal(t, "echo_0.output_value", list[0].(ProtocolPath).String())
	assert.Equal(t, "echo_1.output_value", list[1].(ProtocolPath).String())
}

func TestReplicatorResolvesMapValues(t *testing.T) {
	echo := newEchoProtocol("echo_$(comp)")
	require.NoError(t, echo.SetValue(NewProtocolPath("input_value"), map[string]any{
		"component": NewReplicatorValue("comp"),
		"label":     "density",
		"weights":   []any{NewReplicatorValue("comp")},
	}))

	replicator := &ProtocolReplicator{ID: "comp"}
	result := applyReplicatorForTest(t, replicator,
		map[string]Protocol{echo.ID(): echo}, []any{"O", "CO"})

	// Replicator values nested inside map inputs resolve per clone too.
	for index, id := range []string{"echo_0", "echo_1"} {
		value, err := result[id].GetValue(NewProtocolPath("input_value"))
		require.NoError(t, err)
		fields, isMap := value.(map[string]any)
		require.True(t, isMap)
		assert.Equal(t, []any{"O", "CO"}[index], fields["component"])
		assert.Equal(t, "density", fields["label"])
		assert.Equal(t, []any{[]any{"O", "CO"}[index]}, fields["weights"])
	}
}

func TestReplicatorExpandNested(t *testing.T) {
	outer := &ProtocolReplicator{ID: "outer"}
	pending := []*ProtocolReplicator{
		{ID: "inner_$(outer)", TemplateValues: []any{"a", "b"}},
		{ID: "independent", TemplateValues: []any{"c"}},
	}

	expanded := outer.ExpandNested(pending, 2)
	require.Len(t, expanded, 3)
	assert.Equal(t, "inner_0", expanded[0].ID)
	assert.Equal(t, "inner_1", expanded[1].ID)
	assert.Equal(t, "independent", expanded[2].ID)
}

func TestReplicatorJSONRoundTrip(t *testing.T) {
	replicator := &ProtocolReplicator{
		ID:             "comp",
		TemplateValues: NewGlobalPath("components"),
	}

	data, err := replicator.MarshalJSON()
	require.NoError(t, err)

	decoded := &ProtocolReplicator{}
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, "comp", decoded.ID)
	path, isPath := decoded.TemplateValues.(ProtocolPath)
	require.True(t, isPath)
	assert.Equal(t, "global.components", path.String())
}
