// Package metrics exports session and mesh telemetry to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chaz8081/plejd-mesh/internal/ble"
	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
)

const namespace = "plejd_mesh"

var states = []ble.State{
	ble.StateDisconnected,
	ble.StateConnecting,
	ble.StateAuthenticating,
	ble.StateConnected,
	ble.StateDegraded,
}

// Collector holds the Prometheus metrics. It implements ble.Observer.
type Collector struct {
	sessionState    *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	writes          *prometheus.CounterVec
	pings           *prometheus.CounterVec
	frames          *prometheus.CounterVec
	outputOn        *prometheus.GaugeVec
	outputLevel     *prometheus.GaugeVec
	scenes          *prometheus.CounterVec
	buttons         *prometheus.CounterVec
}

// New registers the metrics with reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Candidate connection attempts by result",
		}, []string{"result"}),

		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "GATT writes by operation and result",
		}, []string{"op", "result"}),

		pings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Keepalive pings by result",
		}, []string{"result"}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Inbound frames by decoded kind",
		}, []string{"kind"}),

		outputOn: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_on",
			Help:      "Last known on/off state per mesh address",
		}, []string{"address"}),

		outputLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_dim_level",
			Help:      "Last known 16-bit dim level per mesh address",
		}, []string{"address"}),

		scenes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenes_triggered_total",
			Help:      "Scenes triggered in the mesh by index",
		}, []string{"index"}),

		buttons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "button_events_total",
			Help:      "Button events by address, button and action",
		}, []string{"address", "button", "action"}),
	}
	c.StateChanged(ble.StateDisconnected)
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) StateChanged(state ble.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sessionState.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) ConnectAttempt(_ string, err error) {
	c.connectAttempts.WithLabelValues(result(err)).Inc()
}

func (c *Collector) WriteDone(op string, err error) {
	c.writes.WithLabelValues(op, result(err)).Inc()
}

func (c *Collector) PingDone(err error) {
	c.pings.WithLabelValues(result(err)).Inc()
}

func (c *Collector) FrameDecoded(kind string) {
	c.frames.WithLabelValues(kind).Inc()
}

// OutputState records a dispatched state change.
func (c *Collector) OutputState(ev protocol.StateEvent) {
	addr := strconv.Itoa(int(ev.Address))
	on := 0.0
	if ev.On {
		on = 1
	}
	c.outputOn.WithLabelValues(addr).Set(on)
	if ev.HasDim {
		c.outputLevel.WithLabelValues(addr).Set(float64(ev.Dim))
	}
}

// SceneTriggered records a dispatched scene.
func (c *Collector) SceneTriggered(ev protocol.SceneEvent) {
	c.scenes.WithLabelValues(strconv.Itoa(int(ev.Index))).Inc()
}

// Button records a dispatched button event.
func (c *Collector) Button(ev protocol.ButtonEvent) {
	c.buttons.WithLabelValues(
		strconv.Itoa(int(ev.Address)),
		strconv.Itoa(int(ev.Button)),
		ev.Action.String(),
	).Inc()
}

var _ ble.Observer = (*Collector)(nil)
