package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/chaz8081/plejd-mesh/internal/ble"
)

var errFakeRadio = errors.New("fake: radio failure")

var fakeChallenge = []byte{0x10, 0x0f, 0x0e, 0x0d, 0x0c, 0x0b, 0x0a, 0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}

// fakeChar records writes and answers reads for one characteristic.
type fakeChar struct {
	node *fakeNode
	uuid string

	mu     sync.Mutex
	writes [][]byte
	notify func([]byte)
}

func (c *fakeChar) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeChar) Read() ([]byte, error) {
	switch c.uuid {
	case ble.AuthUUID:
		return append([]byte(nil), fakeChallenge...), nil
	case ble.PingUUID:
		c.mu.Lock()
		last := c.writes[len(c.writes)-1][0]
		c.mu.Unlock()
		if c.node.pongBroken() {
			return []byte{last}, nil
		}
		return []byte{last + 1}, nil
	}
	return nil, nil
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = cb
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = nil
	return nil
}

func (c *fakeChar) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeChar) push(data []byte) {
	c.mu.Lock()
	cb := c.notify
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// fakeNode is one Plejd node reachable through fakeAdapter.
type fakeNode struct {
	mac   string
	chars map[string]*fakeChar

	mu           sync.Mutex
	brokenPong   bool
	disconnects  int
	onDisconnect func()
}

func newFakeNode(mac string) *fakeNode {
	n := &fakeNode{mac: mac, chars: make(map[string]*fakeChar)}
	for _, uuid := range []string{ble.DataUUID, ble.LastDataUUID, ble.LightLevelUUID, ble.AuthUUID, ble.PingUUID} {
		n.chars[uuid] = &fakeChar{node: n, uuid: uuid}
	}
	return n
}

func (n *fakeNode) setBrokenPong(broken bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.brokenPong = broken
}

func (n *fakeNode) pongBroken() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brokenPong
}

func (n *fakeNode) Disconnects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnects
}

func (n *fakeNode) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	c, ok := n.chars[charUUID]
	if !ok {
		return nil, errFakeRadio
	}
	return c, nil
}

func (n *fakeNode) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnects++
	return nil
}

func (n *fakeNode) OnDisconnect(cb func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = cb
}

func (n *fakeNode) dropLink() {
	n.mu.Lock()
	cb := n.onDisconnect
	n.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// fakeAdapter serves fakeNodes; Scan reports every node it holds.
type fakeAdapter struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	rssi  map[string]int
	scans int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{nodes: make(map[string]*fakeNode), rssi: make(map[string]int)}
}

func (a *fakeAdapter) addNode(mac string, rssi int) *fakeNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := newFakeNode(mac)
	a.nodes[strings.ToUpper(mac)] = n
	a.rssi[strings.ToUpper(mac)] = rssi
	return n
}

// removeNode makes mac unreachable and silent.
func (a *fakeAdapter) removeNode(mac string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, strings.ToUpper(mac))
	delete(a.rssi, strings.ToUpper(mac))
}

func (a *fakeAdapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(context.Context, string) ([]ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scans++
	var out []ble.Device
	for id, n := range a.nodes {
		out = append(out, ble.Device{Name: "P mesh", MAC: n.mac, RSSI: a.rssi[id]})
	}
	return out, nil
}

func (a *fakeAdapter) Connect(_ context.Context, mac string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[strings.ToUpper(mac)]
	if !ok {
		return nil, errFakeRadio
	}
	return n, nil
}
