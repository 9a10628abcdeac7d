// Package nodecache holds the latest metagraph snapshot's address
// information (hotkey -> ip, port), so the dispatcher can resolve a
// contender's endpoint without depending on internal/chain directly.
// Mirrors internal/handshake.Manager's atomic-pointer-swap pattern for
// lock-free concurrent reads.
package nodecache

import (
	"sync/atomic"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// Entry is the address half of a metagraph neuron.
type Entry struct {
	IP   string
	Port int
}

// Cache is a lock-free, periodically-replaced hotkey->Entry map.
type Cache struct {
	entries atomic.Pointer[map[string]Entry]
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	empty := map[string]Entry{}
	c.entries.Store(&empty)
	return c
}

// SetNodes replaces the cache contents from a fresh metagraph snapshot.
func (c *Cache) SetNodes(neurons []types.Neuron) {
	next := make(map[string]Entry, len(neurons))
	for _, n := range neurons {
		next[n.Hotkey] = Entry{IP: n.IP, Port: n.Port}
	}
	c.entries.Store(&next)
}

// Lookup resolves hotkey to its current (ip, port).
func (c *Cache) Lookup(hotkey string) (string, int, bool) {
	entries := *c.entries.Load()
	e, ok := entries[hotkey]
	if !ok {
		return "", 0, false
	}
	return e.IP, e.Port, true
}
