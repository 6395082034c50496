package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds GATT reads; Plejd values are at most 16 bytes.
const readBufferSize = 64

// TinygoAdapter wraps tinygo-org/bluetooth.
// The mesh keystream is derived from the node's hardware MAC, which only
// BlueZ exposes. On macOS device addresses are CoreBluetooth UUIDs, so
// candidates discovered there cannot be authenticated.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by upper-case address
}

// NewTinygoAdapter creates a BLE adapter backed by the default host adapter.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Route adapter-level disconnects to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]int)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[mac]; ok {
			devices[i].RSSI = int(result.RSSI)
			return
		}
		seen[mac] = len(devices)
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) { _ = d.Disconnect() },
	)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, err)
	}
	conn := &tinygoConnection{device: &device}

	a.mu.Lock()
	a.connections[strings.ToUpper(mac)] = conn
	a.mu.Unlock()

	return conn, nil
}

// awaitConnect runs dial in the background and waits for it or for ctx.
// A dial that succeeds after ctx is done is handed to release.
func awaitConnect[T any](ctx context.Context, dial func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := dial()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	chars        map[string]*bluetooth.DeviceCharacteristic
	disconnectCb func()
}

// DiscoverCharacteristic discovers the service and all of its
// characteristics on first use and serves later lookups from that result.
func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chars == nil {
		svcUUID, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, err
		}
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		chars, err := svcs[0].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		c.chars = make(map[string]*bluetooth.DeviceCharacteristic, len(chars))
		for i := range chars {
			c.chars[strings.ToLower(chars[i].UUID().String())] = &chars[i]
		}
	}

	char, ok := c.chars[strings.ToLower(charUUID)]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &tinygoCharacteristic{char: char}, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// Write uses write-without-response, the only write BlueZ offers through
// tinygo. Delivery is confirmed by the ping and by state notifications.
func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The backend may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
