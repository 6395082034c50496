package ble

import (
	"sort"
	"strings"
	"sync"
)

// Candidates is the set of mesh nodes seen so far. Entries are never removed;
// a node seen again only refreshes its signal strength.
type Candidates struct {
	mu    sync.Mutex
	nodes map[string]Device // keyed by upper-case MAC
	order []string          // insertion order, for stable ranking
}

// NewCandidates returns an empty candidate set.
func NewCandidates() *Candidates {
	return &Candidates{nodes: make(map[string]Device)}
}

// Add records dev and reports whether it was not seen before.
func (c *Candidates) Add(dev Device) bool {
	id := strings.ToUpper(dev.MAC)
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, seen := c.nodes[id]
	c.nodes[id] = dev
	if !seen {
		c.order = append(c.order, id)
	}
	return !seen
}

// Len returns the number of known nodes.
func (c *Candidates) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Ranked returns a snapshot of the nodes ordered by descending RSSI.
// Nodes with equal RSSI keep their discovery order.
func (c *Candidates) Ranked() []Device {
	c.mu.Lock()
	ranked := make([]Device, 0, len(c.order))
	for _, id := range c.order {
		ranked = append(ranked, c.nodes[id])
	}
	c.mu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RSSI > ranked[j].RSSI
	})
	return ranked
}
