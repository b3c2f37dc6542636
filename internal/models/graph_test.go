package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphJSON(t *testing.T) {
	t.Run("uses the front-end field names", func(t *testing.T) {
		graph := Graph{
			Nodes: []Node{{ID: "vpc-1", Name: "main", Type: "vpc", Group: "network", Val: 1}},
			Links: []Link{{Source: "vpc-1", Target: "frame:vpc:vpc-1", Value: 1}},
		}

		data, err := json.Marshal(graph)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Contains(t, raw, "nodes")
		assert.Contains(t, raw, "links")
		assert.NotContains(t, raw, "stats")

		link := raw["links"].([]any)[0].(map[string]any)
		assert.Equal(t, "vpc-1", link["source"])
		assert.Equal(t, "frame:vpc:vpc-1", link["target"])
		assert.Equal(t, float64(1), link["value"])
	})

	t.Run("node metadata is omitted when empty", func(t *testing.T) {
		data, err := json.Marshal(Node{ID: "a"})
		require.NoError(t, err)
		assert.NotContains(t, string(data), "metadata")
	})
}

func TestGraphNodeLookup(t *testing.T) {
	graph := &Graph{Nodes: []Node{
		{ID: "frame:admin", Type: NodeTypeFrame},
		{ID: "i-1", Type: string(KindEC2Instance)},
	}}

	n, ok := graph.Node("frame:admin")
	require.True(t, ok)
	assert.True(t, n.IsFrame())

	n, ok = graph.Node("i-1")
	require.True(t, ok)
	assert.False(t, n.IsFrame())

	_, ok = graph.Node("missing")
	assert.False(t, ok)
}
