package ctm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeTaskInformationYAMLRoundTrip(t *testing.T) {
	info := NodeTaskInformation{
		NodeID:    "node-a",
		Generated: time.Now().UTC(),
		Tasks: []TaskSnapshot{
			{Name: "t1", State: StateClaimedByNode, StateStarted: time.Now().UTC()},
		},
	}
	doc, err := info.ToYAML()
	require.NoError(t, err)

	decoded, err := UnmarshalNodeTaskInformation(doc)
	require.NoError(t, err)
	assert.Equal(t, info.NodeID, decoded.NodeID)
	require.Len(t, decoded.Tasks, 1)
	assert.Equal(t, "t1", decoded.Tasks[0].Name)
	assert.Equal(t, StateClaimedByNode, decoded.Tasks[0].State)
}

func TestUnmarshalNodeTaskInformationRejectsGarbage(t *testing.T) {
	_, err := UnmarshalNodeTaskInformation([]byte("not: [valid"))
	assert.Error(t, err)
}

func TestContentHashStableAndSensitiveToChange(t *testing.T) {
	base := NodeTaskInformation{NodeID: "node-a", Tasks: []TaskSnapshot{{Name: "t1", State: StateClaimedByNode}}}
	h1, err := base.ContentHash()
	require.NoError(t, err)
	h2, err := base.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "identical snapshots must hash identically")

	changed := base
	changed.Tasks = []TaskSnapshot{{Name: "t1", State: StateHandlingByNode}}
	h3, err := changed.ContentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "a materially different snapshot must hash differently")
}

func TestIsNodeInfoKey(t *testing.T) {
	assert.True(t, isNodeInfoKey("nodeinfo:node-a"))
	assert.False(t, isNodeInfoKey("node-a"))
	assert.False(t, isNodeInfoKey("nodeinfo:"))
	assert.False(t, isNodeInfoKey(""))
}
