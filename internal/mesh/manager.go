// Package mesh runs a Plejd mesh session for one site: it keeps the link
// alive, keeps the mesh clock in sync and exposes device-level commands.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/plejd-mesh/internal/ble"
	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
	"github.com/chaz8081/plejd-mesh/internal/dispatch"
	"github.com/chaz8081/plejd-mesh/internal/site"
)

var (
	// ErrUnknownDevice is returned for an address the site does not list.
	ErrUnknownDevice = errors.New("mesh: unknown device")
	// ErrUnknownScene is returned for a scene index the site does not list.
	ErrUnknownScene = errors.New("mesh: unknown scene")
)

// Options configures the keepalive schedule.
type Options struct {
	PollInterval     time.Duration // keepalive interval while poll-on-write is active
	PushInterval     time.Duration // keepalive interval once the mesh pushes notifications
	TimeSyncInterval time.Duration // 0 disables the periodic clock broadcast
	MaxPingFailures  int           // consecutive failures before the link is dropped
	ScanTimeout      time.Duration

	Session ble.SessionOptions
	Now     func() time.Time
}

// DefaultOptions returns the schedule used by the Plejd app.
func DefaultOptions() Options {
	return Options{
		PollInterval:     10 * time.Second,
		PushInterval:     10 * time.Minute,
		TimeSyncInterval: time.Hour,
		MaxPingFailures:  3,
		ScanTimeout:      10 * time.Second,
		Session:          ble.DefaultSessionOptions(),
	}
}

// DeviceState is a site device with its last known output state.
type DeviceState struct {
	site.Device
	Known  bool
	On     bool
	Dim    uint16
	HasDim bool
}

// Status summarizes the session for health reporting.
type Status struct {
	State        string `json:"state"`
	Node         string `json:"node,omitempty"`
	PollOnWrite  bool   `json:"poll_on_write"`
	Candidates   int    `json:"candidates"`
	PingFailures int    `json:"ping_failures"`
}

// Manager owns the session and dispatcher for one site.
type Manager struct {
	adapter    ble.Adapter
	site       *site.Site
	candidates *ble.Candidates
	session    *ble.Session
	dispatcher *dispatch.Dispatcher
	opts       Options

	kick chan struct{}

	// mu guards the keepalive bookkeeping.
	mu           sync.Mutex
	pingFailures int
}

// New creates a manager for s. Decoded events go to d.
func New(adapter ble.Adapter, s *site.Site, d *dispatch.Dispatcher, opts Options) (*Manager, error) {
	if s == nil {
		return nil, site.ErrNoSite
	}
	key, err := s.Key()
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	if d == nil {
		d = dispatch.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.PushInterval < opts.PollInterval {
		opts.PushInterval = opts.PollInterval
	}
	if opts.MaxPingFailures <= 0 {
		opts.MaxPingFailures = DefaultOptions().MaxPingFailures
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultOptions().ScanTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		adapter:    adapter,
		site:       s,
		candidates: ble.NewCandidates(),
		dispatcher: d,
		opts:       opts,
		kick:       make(chan struct{}, 1),
	}

	sessOpts := opts.Session
	onLinkLost := sessOpts.OnLinkLost
	sessOpts.OnLinkLost = func() {
		if onLinkLost != nil {
			onLinkLost()
		}
		m.Kick()
	}
	m.session = ble.NewSession(adapter, key, m.candidates, d.OnDecoded, sessOpts)
	return m, nil
}

// Session returns the underlying mesh session.
func (m *Manager) Session() *ble.Session { return m.session }

// Dispatcher returns the event dispatcher.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Site returns the topology the manager was created with.
func (m *Manager) Site() *site.Site { return m.site }

// Candidates returns the set of known mesh nodes.
func (m *Manager) Candidates() *ble.Candidates { return m.candidates }

// Kick schedules an immediate keepalive in Run.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// AddCandidate records a mesh node and kicks the keepalive when the node
// is new. A known node only has its signal strength refreshed.
func (m *Manager) AddCandidate(dev ble.Device) bool {
	if !m.candidates.Add(dev) {
		return false
	}
	slog.Info("[MESH] new mesh node", "mac", dev.MAC, "rssi", dev.RSSI)
	m.Kick()
	return true
}

// Discover scans for mesh nodes and returns how many new ones were found.
func (m *Manager) Discover(ctx context.Context) (int, error) {
	devices, err := ble.ScanForNodes(ctx, m.adapter, m.opts.ScanTimeout)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, dev := range devices {
		if m.AddCandidate(dev) {
			added++
		}
	}
	slog.Info("[MESH] scan complete", "new", added, "known", m.candidates.Len())
	return added, nil
}

// KeepaliveInterval returns the delay until the next keepalive: short while
// state changes must be confirmed by polling, long once the mesh pushes.
func (m *Manager) KeepaliveInterval() time.Duration {
	if m.session.PollOnWrite() {
		return m.opts.PollInterval
	}
	return m.opts.PushInterval
}

// Keepalive connects when needed and pings the mesh. When no known node
// can be reached it scans once for new ones. After MaxPingFailures
// consecutive failed pings the link is dropped so the next call reconnects.
func (m *Manager) Keepalive(ctx context.Context) error {
	if m.session.Stopping() {
		return ble.ErrStopping
	}

	if !m.session.Connected() {
		if m.candidates.Len() == 0 {
			if _, err := m.Discover(ctx); err != nil {
				return err
			}
		}
		err := m.session.Connect(ctx)
		if errors.Is(err, ble.ErrExhausted) && ctx.Err() == nil {
			slog.Warn("[MESH] no known mesh node reachable, rescanning", "known", m.candidates.Len())
			added, scanErr := m.Discover(ctx)
			switch {
			case scanErr != nil:
				slog.Warn("[MESH] rescan failed", "error", scanErr)
			case added > 0:
				err = m.session.Connect(ctx)
			}
		}
		if err != nil {
			return err
		}
		// This run satisfies any kick raised while connecting.
		select {
		case <-m.kick:
		default:
		}
		m.mu.Lock()
		m.pingFailures = 0
		m.mu.Unlock()
		if err := m.BroadcastTime(); err != nil {
			slog.Warn("[MESH] time broadcast after connect failed", "error", err)
		}
	}

	err := m.session.Ping()
	m.mu.Lock()
	if err != nil {
		m.pingFailures++
	} else {
		m.pingFailures = 0
	}
	failures := m.pingFailures
	m.mu.Unlock()

	if err != nil {
		slog.Warn("[MESH] keepalive ping failed", "failures", failures, "error", err)
		if failures >= m.opts.MaxPingFailures {
			slog.Warn("[MESH] dropping link after repeated ping failures", "failures", failures)
			m.session.Disconnect()
			m.mu.Lock()
			m.pingFailures = 0
			m.mu.Unlock()
		}
		return err
	}

	if m.session.PollOnWrite() {
		if err := m.session.Poll(); err != nil {
			slog.Warn("[MESH] keepalive poll failed", "error", err)
		}
	}
	return nil
}

// Status returns a snapshot of the session state.
func (m *Manager) Status() Status {
	node, _ := m.session.ConnectedNode()
	return Status{
		State:        m.session.State().String(),
		Node:         node,
		PollOnWrite:  m.session.PollOnWrite(),
		Candidates:   m.candidates.Len(),
		PingFailures: m.PingFailures(),
	}
}

// PingFailures returns the number of consecutive failed keepalive pings.
func (m *Manager) PingFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingFailures
}

// BroadcastTime sets the mesh clock to the current time.
func (m *Manager) BroadcastTime() error {
	now := m.opts.Now()
	if err := m.session.BroadcastTime(now); err != nil {
		return err
	}
	slog.Debug("[MESH] time broadcast", "time", now)
	return nil
}

// Run drives the keepalive and clock schedules until ctx is cancelled, then
// stops the session.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Stop()

	keepalive := time.NewTimer(0)
	defer keepalive.Stop()

	var timeSync <-chan time.Time
	if m.opts.TimeSyncInterval > 0 {
		t := time.NewTicker(m.opts.TimeSyncInterval)
		defer t.Stop()
		timeSync = t.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("[MESH] stopping")
			return nil

		case <-keepalive.C:
			m.runKeepalive(ctx)
			keepalive.Reset(m.KeepaliveInterval())

		case <-m.kick:
			m.runKeepalive(ctx)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(m.KeepaliveInterval())

		case <-timeSync:
			if !m.session.Connected() {
				continue
			}
			if err := m.BroadcastTime(); err != nil {
				slog.Warn("[MESH] time broadcast failed", "error", err)
			}
		}
	}
}

func (m *Manager) runKeepalive(ctx context.Context) {
	if err := m.Keepalive(ctx); err != nil && !errors.Is(err, ble.ErrStopping) {
		slog.Debug("[MESH] keepalive", "error", err, "next", m.KeepaliveInterval())
	}
}

// Stop closes the session. It is safe to call more than once.
func (m *Manager) Stop() {
	if err := m.session.Close(); err != nil {
		slog.Warn("[MESH] close session", "error", err)
	}
}

// TurnOn switches on the output at address. dim is ignored for devices
// the site lists as not dimmable.
func (m *Manager) TurnOn(address uint8, dim protocol.Dim) error {
	dev, err := m.device(address)
	if err != nil {
		return err
	}
	if !dev.Dimmable {
		dim = protocol.NoDim
	}
	return m.session.SetState(address, true, dim)
}

// TurnOff switches off the output at address.
func (m *Manager) TurnOff(address uint8) error {
	if _, err := m.device(address); err != nil {
		return err
	}
	return m.session.SetState(address, false, protocol.NoDim)
}

// ActivateScene runs the scene with index.
func (m *Manager) ActivateScene(index uint8) error {
	if _, ok := m.site.Scene(index); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownScene, index)
	}
	return m.session.ActivateScene(index)
}

func (m *Manager) device(address uint8) (site.Device, error) {
	dev, ok := m.site.Device(address)
	if !ok {
		return site.Device{}, fmt.Errorf("%w: %d", ErrUnknownDevice, address)
	}
	return dev, nil
}

// Buttons returns the last action seen on every button.
func (m *Manager) Buttons() []dispatch.ButtonState {
	return m.dispatcher.Buttons()
}

// Devices returns every site device with its last known state.
func (m *Manager) Devices() []DeviceState {
	out := make([]DeviceState, 0, len(m.site.Devices))
	for _, dev := range m.site.Devices {
		ds := DeviceState{Device: dev}
		if ev, ok := m.dispatcher.LastState(dev.Address); ok {
			ds.Known = true
			ds.On = ev.On
			ds.Dim = ev.Dim
			ds.HasDim = ev.HasDim
		}
		out = append(out, ds)
	}
	return out
}
