// Package dispatch fans decoded mesh events out to subscribers and
// suppresses repeated state reports.
package dispatch

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
)

// StateFunc receives output state changes.
type StateFunc func(protocol.StateEvent)

// SceneFunc receives triggered scenes.
type SceneFunc func(protocol.SceneEvent)

// ButtonFunc receives button presses and releases.
type ButtonFunc func(protocol.ButtonEvent)

// ButtonKey identifies one button on one mesh device.
type ButtonKey struct {
	Address uint8
	Button  uint8
}

// ButtonState is the last action seen on one button.
type ButtonState struct {
	Address uint8
	Button  uint8
	Action  protocol.Action
}

// subscribers holds callbacks registered for one key or for every key.
type subscribers[K comparable, F any] struct {
	byKey map[K]map[int]F
	all   map[int]F
}

func newSubscribers[K comparable, F any]() subscribers[K, F] {
	return subscribers[K, F]{byKey: make(map[K]map[int]F), all: make(map[int]F)}
}

// add registers fn under id and returns the func that removes it (caller holds mu).
func (s *subscribers[K, F]) add(id int, key *K, fn F) func() {
	if key == nil {
		s.all[id] = fn
		return func() { delete(s.all, id) }
	}
	k := *key
	m := s.byKey[k]
	if m == nil {
		m = make(map[int]F)
		s.byKey[k] = m
	}
	m[id] = fn
	return func() {
		delete(m, id)
		if len(s.byKey[k]) == 0 {
			delete(s.byKey, k)
		}
	}
}

// match snapshots the callbacks for key in registration order (caller holds mu).
func (s *subscribers[K, F]) match(key K) []F {
	keyed := s.byKey[key]
	ids := make([]int, 0, len(keyed)+len(s.all))
	for id := range keyed {
		ids = append(ids, id)
	}
	for id := range s.all {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		if fn, ok := keyed[id]; ok {
			out[i] = fn
		} else {
			out[i] = s.all[id]
		}
	}
	return out
}

// Dispatcher routes events from the session to subscribers registered for
// the event's address, scene index or button, and to subscribers of every
// event of that kind. State events are forwarded only when they differ from
// the last known state of their address; scene events only when triggered;
// button events always.
type Dispatcher struct {
	mu      sync.Mutex
	nextID  int
	states  subscribers[uint8, StateFunc]
	scenes  subscribers[uint8, SceneFunc]
	buttons subscribers[ButtonKey, ButtonFunc]

	last    map[uint8]protocol.StateEvent
	pressed map[ButtonKey]protocol.Action
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		states:  newSubscribers[uint8, StateFunc](),
		scenes:  newSubscribers[uint8, SceneFunc](),
		buttons: newSubscribers[ButtonKey, ButtonFunc](),
		last:    make(map[uint8]protocol.StateEvent),
		pressed: make(map[ButtonKey]protocol.Action),
	}
}

// SubscribeState registers fn for state changes of address and returns a
// func that removes it.
func (d *Dispatcher) SubscribeState(address uint8, fn StateFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.states.add(d.id(), &address, fn))
}

// SubscribeAllStates registers fn for state changes of every address.
func (d *Dispatcher) SubscribeAllStates(fn StateFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.states.add(d.id(), nil, fn))
}

// SubscribeScene registers fn for activations of scene index.
func (d *Dispatcher) SubscribeScene(index uint8, fn SceneFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.scenes.add(d.id(), &index, fn))
}

// SubscribeAllScenes registers fn for every scene activation.
func (d *Dispatcher) SubscribeAllScenes(fn SceneFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.scenes.add(d.id(), nil, fn))
}

// SubscribeButton registers fn for events of one button.
func (d *Dispatcher) SubscribeButton(key ButtonKey, fn ButtonFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.buttons.add(d.id(), &key, fn))
}

// SubscribeAllButtons registers fn for events of every button.
func (d *Dispatcher) SubscribeAllButtons(fn ButtonFunc) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remover(d.buttons.add(d.id(), nil, fn))
}

// id hands out subscription ids in registration order (caller holds mu).
func (d *Dispatcher) id() int {
	id := d.nextID
	d.nextID++
	return id
}

func (d *Dispatcher) remover(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			del()
		})
	}
}

// OnDecoded handles one event from the session. It has the signature of
// ble.EventHandler.
func (d *Dispatcher) OnDecoded(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.StateEvent:
		d.onState(ev)
	case protocol.SceneEvent:
		d.onScene(ev)
	case protocol.ButtonEvent:
		d.onButton(ev)
	case protocol.TimeEvent:
		slog.Debug("[MESH] time event ignored", "time", ev.Time)
	case protocol.UnknownEvent:
		slog.Debug("[MESH] unknown event ignored", "reason", ev.Reason)
	default:
		slog.Warn("[MESH] unhandled event type", "kind", ev.Kind())
	}
}

func (d *Dispatcher) onState(ev protocol.StateEvent) {
	d.mu.Lock()
	prev, seen := d.last[ev.Address]
	// A report without brightness keeps the brightness known so far.
	if seen && !ev.HasDim {
		ev.Dim, ev.HasDim = prev.Dim, prev.HasDim
	}
	if seen && prev == ev {
		d.mu.Unlock()
		return
	}
	d.last[ev.Address] = ev
	subs := d.states.match(ev.Address)
	d.mu.Unlock()

	slog.Debug("[MESH] state changed", "address", ev.Address, "on", ev.On, "dim", ev.Dim)
	for _, fn := range subs {
		fn(ev)
	}
}

func (d *Dispatcher) onScene(ev protocol.SceneEvent) {
	if !ev.Triggered {
		return
	}
	d.mu.Lock()
	subs := d.scenes.match(ev.Index)
	d.mu.Unlock()

	slog.Debug("[MESH] scene triggered", "index", ev.Index)
	for _, fn := range subs {
		fn(ev)
	}
}

func (d *Dispatcher) onButton(ev protocol.ButtonEvent) {
	key := ButtonKey{Address: ev.Address, Button: ev.Button}
	d.mu.Lock()
	d.pressed[key] = ev.Action
	subs := d.buttons.match(key)
	d.mu.Unlock()

	slog.Debug("[MESH] button", "address", ev.Address, "button", ev.Button, "action", ev.Action)
	for _, fn := range subs {
		fn(ev)
	}
}

// LastState returns the last known state of address.
func (d *Dispatcher) LastState(address uint8) (protocol.StateEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.last[address]
	return ev, ok
}

// Buttons returns the last action of every button seen so far, ordered by
// address and button.
func (d *Dispatcher) Buttons() []ButtonState {
	d.mu.Lock()
	out := make([]ButtonState, 0, len(d.pressed))
	for k, a := range d.pressed {
		out = append(out, ButtonState{Address: k.Address, Button: k.Button, Action: a})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Button < out[j].Button
	})
	return out
}
