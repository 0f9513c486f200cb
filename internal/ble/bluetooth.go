package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Vendor GATT identifiers. The headband exposes one custom service with a
// notify characteristic per sensor; battery uses the standard Battery
// Service.
var (
	uuidSensorService = mustUUID("f0ab5000-5b9a-4a8c-81e0-0f0c8a5b01ab")
	uuidEEGChar       = mustUUID("f0ab5001-5b9a-4a8c-81e0-0f0c8a5b01ab")
	uuidPPGChar       = mustUUID("f0ab5002-5b9a-4a8c-81e0-0f0c8a5b01ab")
	uuidACCChar       = mustUUID("f0ab5003-5b9a-4a8c-81e0-0f0c8a5b01ab")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// BluetoothTransport drives the platform BLE stack through
// tinygo.org/x/bluetooth. One transport owns the default adapter; the
// Link guarantees a single connection at a time.
type BluetoothTransport struct {
	logger  zerolog.Logger
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu      sync.Mutex
	current *btConn
}

// NewBluetoothTransport wraps the default adapter.
func NewBluetoothTransport(logger zerolog.Logger) *BluetoothTransport {
	return &BluetoothTransport{
		logger:  logger.With().Str("component", "bluetooth").Logger(),
		adapter: bluetooth.DefaultAdapter,
	}
}

// Probe enables the adapter eagerly so a broken Bluetooth stack is
// caught at startup instead of on the first scan.
func (t *BluetoothTransport) Probe() error {
	if err := t.enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	return nil
}

func (t *BluetoothTransport) enable() error {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
		if t.enableErr == nil {
			t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
				if connected {
					return
				}
				t.mu.Lock()
				conn := t.current
				t.mu.Unlock()
				if conn != nil && conn.device.Address.String() == device.Address.String() {
					conn.linkLost()
				}
			})
		}
	})
	return t.enableErr
}

// Scan reports every advertisement until ctx is done. Duplicate
// suppression is the caller's concern; the adapter re-reports devices as
// their RSSI changes.
func (t *BluetoothTransport) Scan(ctx context.Context, found func(Advertisement)) error {
	if err := t.enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	return t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Advertisement{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
}

// Connect scans for the addressed device, connects and discovers the
// sensor characteristics plus the battery service. The address string is
// matched case-insensitively because platforms disagree on MAC casing.
func (t *BluetoothTransport) Connect(ctx context.Context, address string) (Conn, error) {
	if err := t.enable(); err != nil {
		return nil, fmt.Errorf("enabling adapter: %w", err)
	}

	result, err := t.findDevice(ctx, address)
	if err != nil {
		return nil, err
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := t.adapter.Connect(result.Address, params)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	conn, err := t.discover(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	t.mu.Lock()
	t.current = conn
	t.mu.Unlock()
	return conn, nil
}

// findDevice scans until the addressed device advertises or ctx expires.
func (t *BluetoothTransport) findDevice(ctx context.Context, address string) (bluetooth.ScanResult, error) {
	var (
		mu    sync.Mutex
		match bluetooth.ScanResult
		hit   bool
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	err := t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !strings.EqualFold(result.Address.String(), address) {
			return
		}
		mu.Lock()
		match = result
		hit = true
		mu.Unlock()
		_ = a.StopScan()
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scanning for %s: %w", address, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !hit {
		if ctx.Err() != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("%w: %s", ErrConnectTimeout, address)
		}
		return bluetooth.ScanResult{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}
	return match, nil
}

func (t *BluetoothTransport) discover(device bluetooth.Device) (*btConn, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{uuidSensorService, bluetooth.ServiceUUIDBattery})
	if err != nil {
		return nil, fmt.Errorf("discovering services: %w", err)
	}

	conn := &btConn{
		transport: t,
		device:    device,
		chars:     make(map[sensor.Kind]bluetooth.DeviceCharacteristic),
	}

	for _, svc := range services {
		switch svc.UUID() {
		case uuidSensorService:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuidEEGChar, uuidPPGChar, uuidACCChar})
			if err != nil {
				return nil, fmt.Errorf("discovering sensor characteristics: %w", err)
			}
			for _, ch := range chars {
				switch ch.UUID() {
				case uuidEEGChar:
					conn.chars[sensor.KindEEG] = ch
				case uuidPPGChar:
					conn.chars[sensor.KindPPG] = ch
				case uuidACCChar:
					conn.chars[sensor.KindACC] = ch
				}
			}
		case bluetooth.ServiceUUIDBattery:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDBatteryLevel})
			if err != nil {
				return nil, fmt.Errorf("discovering battery characteristic: %w", err)
			}
			if len(chars) > 0 {
				conn.battery = &chars[0]
			}
		}
	}

	for _, k := range sensor.StreamKinds() {
		if _, ok := conn.chars[k]; !ok {
			return nil, fmt.Errorf("device is missing the %s characteristic", k)
		}
	}
	if conn.battery == nil {
		return nil, fmt.Errorf("device is missing the battery service")
	}
	return conn, nil
}

// btConn is one live GATT connection.
type btConn struct {
	transport *BluetoothTransport
	device    bluetooth.Device
	chars     map[sensor.Kind]bluetooth.DeviceCharacteristic
	battery   *bluetooth.DeviceCharacteristic

	mu           sync.Mutex
	onDisconnect func()
	closed       bool
}

func (c *btConn) BatteryLevel() (int, error) {
	var buf [1]byte
	n, err := c.battery.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("reading battery level: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("reading battery level: empty response")
	}
	return int(buf[0]), nil
}

func (c *btConn) Subscribe(kind sensor.Kind, fn func(packet []byte)) error {
	ch, ok := c.chars[kind]
	if !ok {
		return fmt.Errorf("no %s characteristic on this device", kind)
	}
	if err := ch.EnableNotifications(fn); err != nil {
		return fmt.Errorf("enabling %s notifications: %w", kind, err)
	}
	return nil
}

func (c *btConn) Unsubscribe(kind sensor.Kind) error {
	ch, ok := c.chars[kind]
	if !ok {
		return nil
	}
	return ch.EnableNotifications(nil)
}

func (c *btConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// linkLost fires the disconnect callback for losses the peer or radio
// initiated. A local Close suppresses it.
func (c *btConn) linkLost() {
	c.mu.Lock()
	fn := c.onDisconnect
	closed := c.closed
	c.onDisconnect = nil
	c.mu.Unlock()

	if !closed && fn != nil {
		fn()
	}
}

func (c *btConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onDisconnect = nil
	c.mu.Unlock()

	c.transport.mu.Lock()
	if c.transport.current == c {
		c.transport.current = nil
	}
	c.transport.mu.Unlock()

	return c.device.Disconnect()
}
