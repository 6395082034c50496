package ble

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	blecrypto "github.com/chaz8081/plejd-mesh/internal/ble/crypto"
	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
)

// State is the mesh session state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDegraded // ping failed, link kept, state confirmed by polling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// usable reports whether writes and pings may be issued.
func (s State) usable() bool {
	return s == StateConnected || s == StateDegraded
}

// Observer receives session telemetry. Implementations must not call back
// into the Session.
type Observer interface {
	StateChanged(state State)
	ConnectAttempt(mac string, err error)
	WriteDone(op string, err error)
	PingDone(err error)
	FrameDecoded(kind string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)           {}
func (nopObserver) ConnectAttempt(string, error) {}
func (nopObserver) WriteDone(string, error)      {}
func (nopObserver) PingDone(error)               {}
func (nopObserver) FrameDecoded(string)          {}

// EventHandler receives decoded mesh events. It is called from the
// transport's notification goroutine without the session I/O lock held.
type EventHandler func(protocol.Event)

// SessionOptions configures the mesh session behavior.
type SessionOptions struct {
	ConnectAttempts int           // link attempts per candidate before moving on
	BackoffBase     time.Duration // delay after the first failed attempt, doubled per retry
	BackoffMax      time.Duration // cap for the retry delay
	SettleDelay     time.Duration // pause between link establishment and authentication

	Observer   Observer
	OnLinkLost func()    // called when the transport reports an unexpected disconnect
	Rand       io.Reader // ping byte source, crypto/rand when nil
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectAttempts: 3,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		SettleDelay:     2 * time.Second,
	}
}

// link is one physical connection to a mesh node.
type link struct {
	conn      Connection
	gen       uint64
	mac       string
	node      blecrypto.NodeAddress
	keystream [16]byte

	data       Characteristic
	lastData   Characteristic
	lightLevel Characteristic
	auth       Characteristic
	ping       Characteristic

	subscribed bool
}

// Session is the connection state machine for one Plejd mesh.
type Session struct {
	adapter    Adapter
	key        blecrypto.MeshKey
	candidates *Candidates
	handler    EventHandler
	opts       SessionOptions
	observer   Observer
	rand       io.Reader

	// ioMu serializes GATT operations: the link tolerates one in flight.
	ioMu sync.Mutex

	mu          sync.Mutex
	state       State
	link        *link
	generation  uint64
	pollOnWrite bool

	stopping atomic.Bool
}

// NewSession creates a session that connects to nodes from candidates and
// hands decoded events to handler.
func NewSession(adapter Adapter, key blecrypto.MeshKey, candidates *Candidates, handler EventHandler, opts SessionOptions) *Session {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	if candidates == nil {
		candidates = NewCandidates()
	}
	return &Session{
		adapter:     adapter,
		key:         key,
		candidates:  candidates,
		handler:     handler,
		opts:        opts,
		observer:    observer,
		rand:        rnd,
		pollOnWrite: true,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session can carry writes and pings.
func (s *Session) Connected() bool {
	return s.State().usable()
}

// PollOnWrite reports whether state changes must be confirmed by polling.
func (s *Session) PollOnWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollOnWrite
}

// ConnectedNode returns the MAC of the node the session is attached to.
func (s *Session) ConnectedNode() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || !s.state.usable() {
		return "", false
	}
	return s.link.mac, true
}

// Stopping reports whether Close has been called.
func (s *Session) Stopping() bool {
	return s.stopping.Load()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

// setStateLocked changes the state (caller must hold mu).
func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	slog.Debug("[BLE] state change", "from", s.state, "to", state)
	s.state = state
	s.observer.StateChanged(state)
}

// snapshot returns the current link and state.
func (s *Session) snapshot() (*link, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link, s.state
}

// backoffDelay returns the retry delay for attempt n: base doubled n times,
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect attaches to the strongest reachable candidate. Each candidate is
// authenticated before it is accepted; a rejected candidate is dropped and
// the next one is tried. Connect fails only when every candidate failed.
func (s *Session) Connect(ctx context.Context) error {
	if s.stopping.Load() {
		return ErrStopping
	}
	s.Disconnect()

	ranked := s.candidates.Ranked()
	if len(ranked) == 0 {
		return ErrNoCandidates
	}
	if err := s.adapter.Enable(); err != nil {
		return transportErr("enable adapter", err)
	}

	var errs []error
	for _, dev := range ranked {
		if s.stopping.Load() {
			return ErrStopping
		}
		slog.Info("[BLE] connecting", "mac", dev.MAC, "rssi", dev.RSSI)
		err := s.attach(ctx, dev)
		s.observer.ConnectAttempt(dev.MAC, err)
		if err == nil {
			slog.Info("[BLE] connected", "mac", dev.MAC)
			return nil
		}
		slog.Warn("[BLE] candidate failed", "mac", dev.MAC, "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

// attach links, authenticates and subscribes to one candidate.
func (s *Session) attach(ctx context.Context, dev Device) error {
	node, err := blecrypto.ParseNodeAddress(dev.MAC)
	if err != nil {
		return err
	}

	s.setState(StateConnecting)
	conn, err := s.dial(ctx, dev.MAC)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	l, err := discoverLink(conn)
	if err != nil {
		_ = conn.Disconnect()
		s.setState(StateDisconnected)
		return err
	}
	l.mac = dev.MAC
	l.node = node
	l.keystream = blecrypto.Keystream(s.key, node)

	s.mu.Lock()
	s.generation++
	l.gen = s.generation
	s.link = l
	s.pollOnWrite = true
	s.mu.Unlock()

	gen := l.gen
	conn.OnDisconnect(func() { s.linkLost(gen) })

	if err := sleepCtx(ctx, s.opts.SettleDelay); err != nil {
		s.Disconnect()
		return err
	}
	if !s.current(l) {
		return s.abandon(l, "settle")
	}

	s.setState(StateAuthenticating)
	if err := s.authenticate(l); err != nil {
		if !s.current(l) {
			return s.abandon(l, "authenticate")
		}
		s.Disconnect()
		return err
	}
	if !s.current(l) {
		return s.abandon(l, "authenticate")
	}

	if err := l.lastData.Subscribe(func(b []byte) { s.onLastData(l, b) }); err != nil {
		s.Disconnect()
		return transportErr("subscribe last data", err)
	}
	if err := l.lightLevel.Subscribe(func(b []byte) { s.onLightLevel(l, b) }); err != nil {
		s.Disconnect()
		return transportErr("subscribe light level", err)
	}

	s.mu.Lock()
	l.subscribed = true
	if s.link != l || s.generation != l.gen {
		s.mu.Unlock()
		return s.abandon(l, "subscribe")
	}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	return nil
}

// current reports whether l is still the session's link.
func (s *Session) current(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link == l && s.generation == l.gen
}

// abandon releases a link the transport dropped during setup.
func (s *Session) abandon(l *link, step string) error {
	slog.Warn("[BLE] link lost during setup", "mac", l.mac, "step", step)
	s.Disconnect()
	if l.subscribed {
		_ = l.lastData.Unsubscribe()
		_ = l.lightLevel.Unsubscribe()
	}
	_ = l.conn.Disconnect()
	return transportErr(step, ErrLinkLost)
}

// dial establishes the physical link with bounded retry and backoff.
func (s *Session) dial(ctx context.Context, mac string) (Connection, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.BackoffBase, s.opts.BackoffMax)
			slog.Info("[BLE] connect backoff", "mac", mac, "attempt", attempt+1, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, transportErr("connect "+mac, err)
			}
		}
		conn, err := s.adapter.Connect(ctx, mac)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "mac", mac, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, transportErr("connect "+mac, lastErr)
}

func discoverLink(conn Connection) (*link, error) {
	l := &link{conn: conn}
	for _, c := range []struct {
		uuid string
		dst  *Characteristic
	}{
		{DataUUID, &l.data},
		{LastDataUUID, &l.lastData},
		{LightLevelUUID, &l.lightLevel},
		{AuthUUID, &l.auth},
		{PingUUID, &l.ping},
	} {
		char, err := conn.DiscoverCharacteristic(ServiceUUID, c.uuid)
		if err != nil {
			return nil, transportErr("discover "+c.uuid, err)
		}
		*c.dst = char
	}
	return l, nil
}

// authenticate runs the challenge-response handshake followed by a
// confirming ping. It holds the I/O lock for the whole exchange.
func (s *Session) authenticate(l *link) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	slog.Debug("[BLE] authenticating", "mac", l.mac)
	if err := l.auth.Write([]byte{0x00}); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, transportErr("write auth start", err))
	}
	raw, err := l.auth.Read()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, transportErr("read challenge", err))
	}
	if len(raw) != 16 {
		return fmt.Errorf("%w: challenge is %d bytes, want 16", ErrAuthentication, len(raw))
	}
	var challenge [16]byte
	copy(challenge[:], raw)

	resp := blecrypto.AuthResponse(s.key, challenge)
	if err := l.auth.Write(resp[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, transportErr("write auth response", err))
	}

	if err := s.pingLocked(l); err != nil {
		return fmt.Errorf("%w: confirming ping: %w", ErrAuthentication, err)
	}
	slog.Debug("[BLE] authenticated", "mac", l.mac)
	return nil
}

// Ping checks that the link is alive. A failure switches the session to
// polling and marks it degraded; a success restores a degraded session.
func (s *Session) Ping() error {
	if s.stopping.Load() {
		return ErrStopping
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	l, state := s.snapshot()
	if l == nil || !state.usable() {
		return ErrNotConnected
	}

	err := s.pingLocked(l)
	s.observer.PingDone(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l {
		return err
	}
	if err != nil {
		slog.Warn("[BLE] ping failed", "mac", l.mac, "error", err)
		s.pollOnWrite = true
		s.setStateLocked(StateDegraded)
		return err
	}
	s.setStateLocked(StateConnected)
	return nil
}

// pingLocked does one ping round trip (caller must hold ioMu).
func (s *Session) pingLocked(l *link) error {
	var ping [1]byte
	if _, err := io.ReadFull(s.rand, ping[:]); err != nil {
		return fmt.Errorf("ble: ping: random byte: %w", err)
	}
	slog.Debug("[BLE] ping", "value", ping[0])
	if err := l.ping.Write(ping[:]); err != nil {
		return transportErr("write ping", err)
	}
	pong, err := l.ping.Read()
	if err != nil {
		return transportErr("read ping", err)
	}
	if len(pong) < 1 || pong[0] != ping[0]+1 {
		return fmt.Errorf("%w: sent 0x%02x, got %x", ErrPingMismatch, ping[0], pong)
	}
	slog.Debug("[BLE] pong", "value", pong[0])
	return nil
}

// Write encrypts payload with the connected node's keystream and writes it
// to the data characteristic.
func (s *Session) Write(payload []byte) error {
	if s.stopping.Load() {
		return ErrStopping
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	l, state := s.snapshot()
	if l == nil || !state.usable() {
		return ErrNotConnected
	}
	err := transportErr("write data", l.data.Write(blecrypto.XOR(l.keystream, payload)))
	s.observer.WriteDone("data", err)
	if err != nil {
		slog.Error("[BLE] write failed", "mac", l.mac, "error", err)
	}
	return err
}

// Poll asks the mesh for the current light levels. The answer arrives on
// the light-level notification channel.
func (s *Session) Poll() error {
	if s.stopping.Load() {
		return ErrStopping
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	l, state := s.snapshot()
	if l == nil || !state.usable() {
		return ErrNotConnected
	}
	err := transportErr("write light level", l.lightLevel.Write(protocol.PollTrigger))
	s.observer.WriteDone("poll", err)
	return err
}

// SetState switches the output at address. dim is ignored when on is false.
func (s *Session) SetState(address uint8, on bool, dim protocol.Dim) error {
	return s.command(protocol.EncodeState(address, on, dim))
}

// ActivateScene runs the scene with the given index.
func (s *Session) ActivateScene(index uint8) error {
	return s.command(protocol.EncodeSceneActivate(index))
}

// BroadcastTime sets the mesh clock to t.
func (s *Session) BroadcastTime(t time.Time) error {
	return s.Write(protocol.EncodeTimeSync(t))
}

// command writes a state-changing frame, then polls while notifications
// are not yet trusted.
func (s *Session) command(payload []byte) error {
	if err := s.Write(payload); err != nil {
		return err
	}
	if s.PollOnWrite() {
		if err := s.Poll(); err != nil {
			slog.Warn("[BLE] poll after write failed", "error", err)
		}
	}
	return nil
}

func (s *Session) onLastData(l *link, raw []byte) {
	if !s.current(l) {
		slog.Debug("[BLE] dropping notification from stale link", "mac", l.mac)
		return
	}
	ev := protocol.Decode(blecrypto.XOR(l.keystream, raw))
	s.observer.FrameDecoded(ev.Kind())

	switch ev := ev.(type) {
	case protocol.UnknownEvent:
		slog.Debug("[BLE] discarding frame", "reason", ev.Reason, "raw", hex.EncodeToString(ev.Raw))
		return
	case protocol.TimeEvent:
		slog.Debug("[BLE] mesh time", "time", ev.Time)
		s.notificationsTrusted(l)
		return
	}

	s.notificationsTrusted(l)
	s.emit(ev)
}

func (s *Session) onLightLevel(l *link, raw []byte) {
	if !s.current(l) {
		slog.Debug("[BLE] dropping light levels from stale link", "mac", l.mac)
		return
	}
	for _, ev := range protocol.DecodeLightLevels(raw) {
		s.observer.FrameDecoded(ev.Kind())
		if u, ok := ev.(protocol.UnknownEvent); ok {
			slog.Debug("[BLE] discarding light level record", "reason", u.Reason)
			continue
		}
		s.emit(ev)
	}
}

// notificationsTrusted turns poll-on-write off once the mesh has pushed an
// unsolicited frame on l.
func (s *Session) notificationsTrusted(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || !s.pollOnWrite {
		return
	}
	s.pollOnWrite = false
	slog.Info("[BLE] mesh notifications active, poll-on-write disabled", "mac", l.mac)
}

func (s *Session) emit(ev protocol.Event) {
	slog.Debug("[BLE] event", "event", ev)
	if s.handler != nil {
		s.handler(ev)
	}
}

// Disconnect unsubscribes and tears the link down. Errors are logged and
// swallowed. Safe to call when already disconnected.
func (s *Session) Disconnect() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	l := s.link
	s.link = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if l == nil {
		return
	}
	if l.subscribed {
		if err := l.lastData.Unsubscribe(); err != nil {
			slog.Debug("[BLE] unsubscribe last data", "error", err)
		}
		if err := l.lightLevel.Unsubscribe(); err != nil {
			slog.Debug("[BLE] unsubscribe light level", "error", err)
		}
	}
	if err := l.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect", "mac", l.mac, "error", err)
	}
	slog.Info("[BLE] disconnected", "mac", l.mac)
}

// linkLost handles a transport-reported disconnect of link generation gen.
func (s *Session) linkLost(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.link == nil {
		s.mu.Unlock()
		return
	}
	l := s.link
	s.link = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	slog.Warn("[BLE] link lost", "mac", l.mac)
	if s.opts.OnLinkLost != nil {
		s.opts.OnLinkLost()
	}
}

// Close stops the session: no new operation starts afterwards, and the
// link is torn down once any in-flight operation completes.
func (s *Session) Close() error {
	s.stopping.Store(true)
	s.Disconnect()
	return nil
}
