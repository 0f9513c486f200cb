// Package ble owns the device link: scanning, connecting, GATT
// subscriptions, frame decoding and the auto-reconnect state machine.
// The Link talks to hardware through the Transport interface so the same
// state machine drives the real Bluetooth adapter and the synthetic
// transport used for development and tests.
package ble

import (
	"context"
	"errors"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Advertisement is one device seen during a scan.
type Advertisement struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Conn is an established link to one headband. Notification callbacks
// run on the transport's goroutine and must not block; the Link hands
// decoded batches straight to the router's non-blocking ingest.
type Conn interface {
	// BatteryLevel reads the current charge in percent.
	BatteryLevel() (int, error)
	// Subscribe enables notifications for one sensor characteristic.
	Subscribe(kind sensor.Kind, fn func(packet []byte)) error
	// Unsubscribe disables notifications for one sensor characteristic.
	Unsubscribe(kind sensor.Kind) error
	// OnDisconnect registers the link-loss callback. It fires once, only
	// for losses the local side did not initiate.
	OnDisconnect(fn func())
	// Close tears the link down. Idempotent.
	Close() error
}

// Transport abstracts the BLE stack's scan/connect primitives.
type Transport interface {
	// Scan reports discovered devices until ctx is done. Blocking.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect establishes a link to the device with the given address,
	// discovers the required characteristics and returns the connection.
	Connect(ctx context.Context, address string) (Conn, error)
}

// Sentinel transport errors. The Link maps these onto stable error codes
// for the event bus and HTTP responses.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrNotConnected   = errors.New("no device connected")
	ErrBusy           = errors.New("device link busy")

	// ErrAdapter marks an unusable Bluetooth stack. The daemon treats it
	// as unrecoverable and exits with a distinct code.
	ErrAdapter = errors.New("bluetooth adapter unavailable")
)
