package nodecache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := New()
	_, _, ok := c.Lookup("hk1")
	assert.False(t, ok)
}

func TestSetNodesThenLookup(t *testing.T) {
	c := New()
	c.SetNodes([]types.Neuron{{Hotkey: "hk1", IP: "10.0.0.1", Port: 8091}})

	ip, port, ok := c.Lookup("hk1")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, 8091, port)
}

func TestSetNodesReplacesPreviousSnapshot(t *testing.T) {
	c := New()
	c.SetNodes([]types.Neuron{{Hotkey: "hk1", IP: "10.0.0.1", Port: 8091}})
	c.SetNodes([]types.Neuron{{Hotkey: "hk2", IP: "10.0.0.2", Port: 8092}})

	_, _, ok := c.Lookup("hk1")
	assert.False(t, ok, "a node dropped from the latest snapshot must not resolve")

	ip, port, ok := c.Lookup("hk2")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2", ip)
	assert.Equal(t, 8092, port)
}
